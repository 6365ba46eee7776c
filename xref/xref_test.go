// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xref

import (
	"context"
	"testing"

	"github.com/coredump-labs/winpe/disasm"
)

func TestBuildDirectCall(t *testing.T) {
	code := []byte{0xE8, 0x05, 0x00, 0x00, 0x00, 0xC3, 0xCC, 0xCC, 0xCC, 0xCC, 0x48, 0x89, 0xC8, 0xC3}
	const base = 0x400000

	insts := disasm.DecodeAll(context.Background(), code, base, 64, nil, nil)
	xrefs := Build(insts)

	target := uint64(base + 0xA)
	list, ok := xrefs[target]
	if !ok || len(list) != 1 {
		t.Fatalf("xrefs[%#x] = %v, want exactly one entry", target, list)
	}
	if list[0].From != base || list[0].Type != Call {
		t.Errorf("xref = %+v, want {from: %#x, type: call}", list[0], base)
	}
}

func TestBuildConditionalBranch(t *testing.T) {
	// jne -2 (back to the start of this same 2-byte instruction)
	code := []byte{0x75, 0xFE}
	const base = 0x10

	insts := disasm.DecodeAll(context.Background(), code, base, 32, nil, nil)
	xrefs := Build(insts)

	list, ok := xrefs[base]
	if !ok || len(list) != 1 || list[0].Type != Branch {
		t.Fatalf("xrefs[%#x] = %v, want one branch entry", base, list)
	}
}

func TestBuildRIPRelativeData(t *testing.T) {
	// lea rcx, [rip+0x100]; not a control transfer, so this is a data ref.
	code := []byte{0x48, 0x8D, 0x0D, 0x00, 0x01, 0x00, 0x00}
	const base = 0x1000

	insts := disasm.DecodeAll(context.Background(), code, base, 64, nil, nil)
	xrefs := Build(insts)

	target := uint64(0x1107)
	list, ok := xrefs[target]
	if !ok || len(list) != 1 || list[0].Type != Data {
		t.Fatalf("xrefs[%#x] = %v, want one data entry", target, list)
	}
}
