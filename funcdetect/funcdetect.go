// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package funcdetect locates function boundaries inside a code section by
// unioning independent signals: the section start, the entry point, exported
// symbols, prologue byte patterns, alignment padding, and direct call targets.
package funcdetect

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/coredump-labs/winpe/disasm"
)

// maxCallTargetSectionSize bounds the call-target pass: sections at or above
// this size are skipped to keep full-section decoding bounded.
const maxCallTargetSectionSize = 2 * 1024 * 1024

// ExportRef names an exported function at a known VA.
type ExportRef struct {
	Name string
	VA   uint64
}

// Options carries the optional external hints the detector unions with the
// signals it derives from the code itself.
type Options struct {
	EntryPoint *uint64
	Exports    []ExportRef
}

// Detect returns the sorted, disjoint, contiguous list of functions found in
// code, which begins at virtual address baseVA. mode is 32 or 64.
func Detect(ctx context.Context, code []byte, baseVA uint64, mode int, opts Options) []disasm.DisasmFunction {
	end := baseVA + uint64(len(code))
	names := make(map[uint64]string)
	addrs := make(map[uint64]struct{})

	add := func(va uint64, name string) {
		if va < baseVA || va >= end {
			return
		}
		addrs[va] = struct{}{}
		if name != "" {
			if _, ok := names[va]; !ok {
				names[va] = name
			}
		}
	}

	// The section start is always a function boundary, whether or not it
	// carries a recognized prologue: without this, a first function lacking
	// a matched signal would leave [baseVA, firstSignal) uncovered and break
	// the contiguous-cover invariant.
	add(baseVA, "")

	if opts.EntryPoint != nil {
		add(*opts.EntryPoint, "entry_point")
	}
	for _, exp := range opts.Exports {
		add(exp.VA, exp.Name)
	}

	scanPrologues(code, baseVA, mode, add)
	scanAlignmentPads(code, baseVA, add)

	if len(code) < maxCallTargetSectionSize {
		collectCallTargets(ctx, code, baseVA, mode, add)
	}

	sorted := make([]uint64, 0, len(addrs))
	for va := range addrs {
		sorted = append(sorted, va)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fns := make([]disasm.DisasmFunction, 0, len(sorted))
	for i, va := range sorted {
		var size uint64
		if i+1 < len(sorted) {
			size = sorted[i+1] - va
		} else {
			size = end - va
		}
		name := names[va]
		if name == "" {
			name = fmt.Sprintf("sub_%X", va)
		}
		fns = append(fns, disasm.DisasmFunction{Name: name, Address: va, Size: size})
	}
	return fns
}

// scanPrologues tests fixed-byte prologue patterns at every offset, without
// invoking the decoder.
func scanPrologues(code []byte, baseVA uint64, mode int, add func(uint64, string)) {
	n := len(code)
	for i := 0; i < n; i++ {
		if mode == 64 {
			if hasBytes(code, i, 0x55, 0x48, 0x89, 0xE5) {
				add(baseVA+uint64(i), "")
			}
			if i+3 < n && code[i] == 0x48 && code[i+1] == 0x83 && code[i+2] == 0xEC {
				add(baseVA+uint64(i), "")
			}
			if i+7 < n && code[i] == 0x48 && code[i+1] == 0x81 && code[i+2] == 0xEC {
				add(baseVA+uint64(i), "")
			}
		} else {
			if hasBytes(code, i, 0x55, 0x8B, 0xEC) {
				add(baseVA+uint64(i), "")
			}
			if hasBytes(code, i, 0x55, 0x89, 0xE5) {
				add(baseVA+uint64(i), "")
			}
		}
	}
}

func hasBytes(code []byte, at int, want ...byte) bool {
	if at+len(want) > len(code) {
		return false
	}
	for i, b := range want {
		if code[at+i] != b {
			return false
		}
	}
	return true
}

// scanAlignmentPads marks the byte following a run of >=2 int3/nop padding
// bytes as a function start.
func scanAlignmentPads(code []byte, baseVA uint64, add func(uint64, string)) {
	n := len(code)
	i := 0
	for i < n {
		if code[i] != 0xCC && code[i] != 0x90 {
			i++
			continue
		}
		start := i
		for i < n && (code[i] == 0xCC || code[i] == 0x90) {
			i++
		}
		if i-start >= 2 && i < n {
			add(baseVA+uint64(i), "")
		}
	}
}

// collectCallTargets decodes the whole section once and records the target
// of every direct call whose destination lands inside it. An instruction
// immediately following an unconditional terminator (ret/retn/jmp) that is
// also a call target is implicitly covered, since call targets are added
// unconditionally regardless of what precedes them.
func collectCallTargets(ctx context.Context, code []byte, baseVA uint64, mode int, add func(uint64, string)) {
	end := baseVA + uint64(len(code))
	for inst := range disasm.Decode(ctx, code, baseVA, mode, nil, nil) {
		if inst.Mnemonic != "call" {
			continue
		}
		if target, ok := directTarget(inst); ok && target >= baseVA && target < end {
			add(target, "")
		}
	}
}

// directTarget parses a bare hex-literal operand ("0xH+") as an absolute
// branch/call target. Operands with any other shape (register, memory,
// multiple literals) are not treated as direct targets.
func directTarget(inst disasm.Instruction) (uint64, bool) {
	operand := strings.TrimSpace(inst.Operands)
	if !strings.HasPrefix(operand, "0x") {
		return 0, false
	}
	if strings.ContainsAny(operand, " ,()%") {
		return 0, false
	}
	v, err := strconv.ParseUint(operand[2:], 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
