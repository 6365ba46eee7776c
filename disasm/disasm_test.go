// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package disasm

import (
	"context"
	"testing"
)

func TestDecodeSimpleFunction(t *testing.T) {
	// sub rsp,0x28; mov eax,1; add rsp,0x28; ret
	code := []byte{0x48, 0x83, 0xEC, 0x28, 0xB8, 0x01, 0x00, 0x00, 0x00, 0x48, 0x83, 0xC4, 0x28, 0xC3}
	const base = 0x180001000

	insts := DecodeAll(context.Background(), code, base, 64, nil, nil)
	if len(insts) != 4 {
		t.Fatalf("got %d instructions, want 4", len(insts))
	}
	if insts[0].Address != base {
		t.Errorf("first instruction address = %#x, want %#x", insts[0].Address, base)
	}
	if insts[len(insts)-1].Mnemonic != "ret" {
		t.Errorf("last mnemonic = %q, want ret", insts[len(insts)-1].Mnemonic)
	}

	var total int
	for _, in := range insts {
		total += in.Size
	}
	if total != len(code) {
		t.Errorf("decoded %d bytes, want %d", total, len(code))
	}
}

func TestDecodeRIPRelativeString(t *testing.T) {
	// lea rcx, [rip+0x100]
	code := []byte{0x48, 0x8D, 0x0D, 0x00, 0x01, 0x00, 0x00}
	const base = 0x1000

	strs := map[uint64]string{0x1107: "Hello"}
	insts := DecodeAll(context.Background(), code, base, 64, strs, nil)
	if len(insts) != 1 {
		t.Fatalf("got %d instructions, want 1", len(insts))
	}
	if insts[0].Comment != "Hello" {
		t.Errorf("comment = %q, want Hello", insts[0].Comment)
	}
}

func TestDecodeIATAnnotation(t *testing.T) {
	// call 0x2000 (relative call encoded so the absolute target is 0x2000)
	const base = 0x1000
	target := uint64(0x2000)
	rel := int32(target - (base + 5))
	code := []byte{0xE8, 0, 0, 0, 0}
	code[1] = byte(rel)
	code[2] = byte(rel >> 8)
	code[3] = byte(rel >> 16)
	code[4] = byte(rel >> 24)

	iat := map[uint64]ImportRef{target: {Library: "kernel32.dll", Function: "ExitProcess"}}
	insts := DecodeAll(context.Background(), code, base, 32, nil, iat)
	if len(insts) != 1 {
		t.Fatalf("got %d instructions, want 1", len(insts))
	}
	if insts[0].Comment != "kernel32.dll!ExitProcess" {
		t.Errorf("comment = %q, want kernel32.dll!ExitProcess", insts[0].Comment)
	}
}

func TestDecodeResyncsOnUndecodable(t *testing.T) {
	// A run of 0x0F 0xFF (undefined opcode -> UD) followed by valid code
	// should resync one byte at a time instead of losing the valid tail.
	code := []byte{0x0F, 0xFF, 0x90, 0xC3} // nop; ret after the bad byte pair
	insts := DecodeAll(context.Background(), code, 0, 32, nil, nil)
	if len(insts) == 0 {
		t.Fatalf("expected at least the trailing nop/ret to decode")
	}
	last := insts[len(insts)-1]
	if last.Mnemonic != "ret" {
		t.Errorf("last mnemonic = %q, want ret", last.Mnemonic)
	}
}

func TestDecodeCancellation(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0x90}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got []Instruction
	for inst := range Decode(ctx, code, 0, 32, nil, nil) {
		got = append(got, inst)
	}
	if len(got) != 0 {
		t.Errorf("expected no instructions after cancellation, got %d", len(got))
	}
}

func TestDecodeBreakAbandonsEarly(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0x90, 0xC3}
	var got []Instruction
	for inst := range Decode(context.Background(), code, 0, 32, nil, nil) {
		got = append(got, inst)
		if len(got) == 2 {
			break
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %d instructions, want 2", len(got))
	}
}
