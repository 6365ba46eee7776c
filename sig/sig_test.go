// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package sig

import (
	"context"
	"testing"

	"github.com/coredump-labs/winpe/disasm"
)

func TestInferFastcallNoArgs(t *testing.T) {
	code := []byte{0x48, 0x83, 0xEC, 0x28, 0xB8, 0x01, 0x00, 0x00, 0x00, 0x48, 0x83, 0xC4, 0x28, 0xC3}
	const base = 0x180001000
	fn := disasm.DisasmFunction{Address: base, Size: uint64(len(code))}
	insts := disasm.DecodeAll(context.Background(), code, base, 64, nil, nil)

	got := Infer(fn, insts, 64)
	if got.Convention != Fastcall || got.ParamCount != 0 {
		t.Errorf("got %+v, want {fastcall, 0}", got)
	}
}

func TestInferStdcallFromRetImmediate(t *testing.T) {
	code := []byte{0x90, 0xC2, 0x08, 0x00} // nop; ret 8
	const base = 0x1000
	fn := disasm.DisasmFunction{Address: base, Size: uint64(len(code))}
	insts := disasm.DecodeAll(context.Background(), code, base, 32, nil, nil)

	got := Infer(fn, insts, 32)
	if got.Convention != Stdcall || got.ParamCount != 2 {
		t.Errorf("got %+v, want {stdcall, 2}", got)
	}
}

func TestInferStdcallZeroIsNotImplied(t *testing.T) {
	code := []byte{0xC2, 0x00, 0x00} // ret 0
	const base = 0x1000
	fn := disasm.DisasmFunction{Address: base, Size: uint64(len(code))}
	insts := disasm.DecodeAll(context.Background(), code, base, 32, nil, nil)

	got := Infer(fn, insts, 32)
	if got.Convention == Stdcall {
		t.Errorf("ret 0 must not imply stdcall, got %+v", got)
	}
}
