// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "testing"

func TestExtractASCII(t *testing.T) {
	// offsets: 0-1 nul padding, 2-6 "Hello", 7 nul, 8-11 "abcd", 12 nul.
	data := []byte("\x00\x00Hello\x00abcd\x00")
	out := make(map[uint64]string)
	extractASCII(data, 0x1000, out)

	if got := out[0x1002]; got != "Hello" {
		t.Errorf("out[0x1002] = %q, want Hello", got)
	}
	if got := out[0x1008]; got != "abcd" {
		t.Errorf("out[0x1008] = %q, want abcd", got)
	}
}

func TestExtractASCIIBelowMinLengthDropped(t *testing.T) {
	data := []byte("ab\x00")
	out := make(map[uint64]string)
	extractASCII(data, 0, out)
	if len(out) != 0 {
		t.Errorf("expected no strings shorter than %d, got %v", MinStringLength, out)
	}
}

func TestExtractUTF16LE(t *testing.T) {
	data := []byte{'H', 0, 'i', 0, '!', 0, '!', 0, 0, 0}
	out := make(map[uint64]string)
	extractUTF16LE(data, 0x2000, out)

	if got := out[0x2000]; got != "Hi!!" {
		t.Errorf("out[0x2000] = %q, want Hi!!", got)
	}
}
