// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cfg

import (
	"context"
	"testing"

	"github.com/coredump-labs/winpe/disasm"
	"github.com/coredump-labs/winpe/xref"
)

func TestBuildAndDetectLoop(t *testing.T) {
	// 0x10: data16 nop   0x12: data16 nop   0x14: jne 0x10   0x16: data16 nop
	code := []byte{0x66, 0x90, 0x66, 0x90, 0x75, 0xFA, 0x66, 0x90}
	const base = 0x10

	insts := disasm.DecodeAll(context.Background(), code, base, 32, nil, nil)
	if len(insts) != 4 {
		t.Fatalf("got %d instructions, want 4: %+v", len(insts), insts)
	}

	fn := disasm.DisasmFunction{Name: "sub_10", Address: base, Size: uint64(len(code))}
	xrefs := xref.Build(insts)
	blocks := Build(fn, insts, xrefs)

	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2: %+v", len(blocks), blocks)
	}
	if blocks[0].StartAddr != 0x10 || blocks[1].StartAddr != 0x16 {
		t.Fatalf("block starts = %#x, %#x, want 0x10, 0x16", blocks[0].StartAddr, blocks[1].StartAddr)
	}
	if len(blocks[0].Succs) != 2 {
		t.Fatalf("block0 succs = %v, want two entries", blocks[0].Succs)
	}
	if !containsID(blocks[0].Succs, 0) || !containsID(blocks[0].Succs, 1) {
		t.Errorf("block0 succs = %v, want {0, 1}", blocks[0].Succs)
	}
	if len(blocks[1].Preds) != 1 || blocks[1].Preds[0] != 0 {
		t.Errorf("block1 preds = %v, want {0}", blocks[1].Preds)
	}

	loops := DetectLoops(context.Background(), blocks)
	if len(loops) != 1 {
		t.Fatalf("got %d loops, want 1: %+v", len(loops), loops)
	}
	if loops[0].HeaderAddr != 0x10 || loops[0].Depth != 0 {
		t.Errorf("loop = %+v, want header 0x10 depth 0", loops[0])
	}
	if loops[0].BackEdgeFromAddr != 0x16 {
		t.Errorf("loop back-edge-from = %#x, want 0x16", loops[0].BackEdgeFromAddr)
	}
}

func TestBuildNoSuccessorsAfterReturn(t *testing.T) {
	code := []byte{0x90, 0xC3} // nop; ret
	const base = 0x1000

	insts := disasm.DecodeAll(context.Background(), code, base, 32, nil, nil)
	fn := disasm.DisasmFunction{Name: "sub_1000", Address: base, Size: uint64(len(code))}
	blocks := Build(fn, insts, xref.Build(insts))

	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if len(blocks[0].Succs) != 0 {
		t.Errorf("succs = %v, want none after ret", blocks[0].Succs)
	}
}

func containsID(ids []int, want int) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
