// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package funcdetect

import (
	"context"
	"testing"
)

func TestDetectSingleFunction(t *testing.T) {
	code := []byte{0x48, 0x83, 0xEC, 0x28, 0xB8, 0x01, 0x00, 0x00, 0x00, 0x48, 0x83, 0xC4, 0x28, 0xC3}
	const base = 0x180001000
	entry := uint64(base)

	fns := Detect(context.Background(), code, base, 64, Options{EntryPoint: &entry})
	if len(fns) != 1 {
		t.Fatalf("got %d functions, want 1", len(fns))
	}
	if fns[0].Address != base || fns[0].Size != uint64(len(code)) {
		t.Errorf("function = %+v, want addr %#x size %d", fns[0], base, len(code))
	}
	if fns[0].Name != "entry_point" {
		t.Errorf("name = %q, want entry_point", fns[0].Name)
	}
}

func TestDetectDirectCall(t *testing.T) {
	// E8 05 00 00 00 (call +5) C3 (ret) CC CC CC CC (pad) 48 89 C8 (mov rax,rcx) C3 (ret)
	code := []byte{0xE8, 0x05, 0x00, 0x00, 0x00, 0xC3, 0xCC, 0xCC, 0xCC, 0xCC, 0x48, 0x89, 0xC8, 0xC3}
	const base = 0x400000

	fns := Detect(context.Background(), code, base, 64, Options{})
	if len(fns) != 2 {
		t.Fatalf("got %d functions, want 2: %+v", len(fns), fns)
	}
	if fns[0].Address != base || fns[0].Size != 6 {
		t.Errorf("first function = %+v, want addr %#x size 6", fns[0], base)
	}
	if fns[1].Address != base+0xA || fns[1].Size != 4 {
		t.Errorf("second function = %+v, want addr %#x size 4", fns[1], base+0xA)
	}
}

func TestDetectExportsAndEntryPointDeduped(t *testing.T) {
	code := make([]byte, 0x20)
	code[0x10] = 0xC3
	const base = 0x1000
	entry := uint64(base + 0x10)

	fns := Detect(context.Background(), code, base, 32, Options{
		EntryPoint: &entry,
		Exports:    []ExportRef{{Name: "DllMain", VA: base + 0x10}},
	})

	var atEntry int
	for _, fn := range fns {
		if fn.Address == base+0x10 {
			atEntry++
		}
	}
	if atEntry != 1 {
		t.Fatalf("expected exactly one function at the shared entry/export address, got %d", atEntry)
	}
}
