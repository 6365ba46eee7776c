// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackframe

import (
	"context"
	"testing"

	"github.com/coredump-labs/winpe/disasm"
)

func TestAnalyzeFrameSizeNoVars(t *testing.T) {
	code := []byte{0x48, 0x83, 0xEC, 0x28, 0xB8, 0x01, 0x00, 0x00, 0x00, 0x48, 0x83, 0xC4, 0x28, 0xC3}
	const base = 0x180001000
	fn := disasm.DisasmFunction{Address: base, Size: uint64(len(code))}
	insts := disasm.DecodeAll(context.Background(), code, base, 64, nil, nil)

	frame, ok := Analyze(fn, insts, 64)
	if !ok {
		t.Fatalf("expected a frame to be detected")
	}
	if frame.FrameSize != 0x28 {
		t.Errorf("frame size = %#x, want 0x28", frame.FrameSize)
	}
	if len(frame.Vars) != 0 {
		t.Errorf("vars = %v, want none", frame.Vars)
	}
}

func TestAnalyzeLocalAndParam(t *testing.T) {
	// push ebp; mov ebp,esp; sub esp,0x10; mov dword [ebp-0x4], eax; mov eax, dword [ebp+0xC]
	code := []byte{
		0x55,                         // push ebp
		0x8B, 0xEC,                   // mov ebp, esp
		0x83, 0xEC, 0x10,             // sub esp, 0x10
		0x89, 0x45, 0xFC,             // mov [ebp-0x4], eax
		0x8B, 0x45, 0x0C,             // mov eax, [ebp+0xC]
	}
	const base = 0x1000
	fn := disasm.DisasmFunction{Address: base, Size: uint64(len(code))}
	insts := disasm.DecodeAll(context.Background(), code, base, 32, nil, nil)

	frame, ok := Analyze(fn, insts, 32)
	if !ok {
		t.Fatalf("expected a frame to be detected")
	}
	if frame.FrameSize != 0x10 {
		t.Errorf("frame size = %#x, want 0x10", frame.FrameSize)
	}
	if len(frame.Vars) != 2 {
		t.Fatalf("got %d vars, want 2: %+v", len(frame.Vars), frame.Vars)
	}
	if frame.Vars[0].Name != "var_4" || frame.Vars[0].IsParam {
		t.Errorf("first var = %+v, want local var_4", frame.Vars[0])
	}
	if frame.Vars[1].Name != "arg_0" || !frame.Vars[1].IsParam {
		t.Errorf("second var = %+v, want param arg_0", frame.Vars[1])
	}
}

func TestAnalyzeNoneDetected(t *testing.T) {
	code := []byte{0x90, 0xC3}
	const base = 0x1000
	fn := disasm.DisasmFunction{Address: base, Size: uint64(len(code))}
	insts := disasm.DecodeAll(context.Background(), code, base, 32, nil, nil)

	_, ok := Analyze(fn, insts, 32)
	if ok {
		t.Errorf("expected no frame detected for nop/ret")
	}
}
