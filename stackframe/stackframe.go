// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package stackframe heuristically recovers a function's stack-frame size
// and the local variables/parameters accessed relative to rbp/rsp.
package stackframe

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/coredump-labs/winpe/disasm"
)

// StackVar is a single stack slot accessed by a function.
type StackVar struct {
	Offset      uint64
	Size        int
	AccessCount int
	Name        string
	IsParam     bool
}

// StackFrame is the recovered frame size plus its variables, sorted by
// offset.
type StackFrame struct {
	FrameSize uint64
	Vars      []StackVar
}

var (
	frameDst = regexp.MustCompile(`^(rsp|esp)$`)
	localNeg = regexp.MustCompile(`(byte|word|dword|qword)?(?:\s+ptr)?\s*\[(rbp|ebp)\s*-\s*0x([0-9a-fA-F]+)\]`)
	localPos = regexp.MustCompile(`(byte|word|dword|qword)?(?:\s+ptr)?\s*\[(rsp|esp)\s*\+\s*0x([0-9a-fA-F]+)\]`)
	paramPos = regexp.MustCompile(`(byte|word|dword|qword)?(?:\s+ptr)?\s*\[(rbp|ebp)\s*\+\s*0x([0-9a-fA-F]+)\]`)
)

// slot accumulates observations of a single stack offset across a
// function's instructions before it is finalized into a StackVar.
type slot struct {
	offset  uint64
	size    int
	count   int
	isParam bool
}

// recordSlot merges an observed access into slots, bumping accessCount and
// widening size to the max observed.
func recordSlot(slots map[uint64]*slot, off uint64, size int, isParam bool) {
	s, ok := slots[off]
	if !ok {
		slots[off] = &slot{offset: off, size: size, count: 1, isParam: isParam}
		return
	}
	s.count++
	if size > s.size {
		s.size = size
	}
	if isParam {
		s.isParam = true
	}
}

// Analyze derives a StackFrame for fn from insts, which must cover at least
// its leading instructions. mode is 32 or 64. ok is false when neither a
// frame size nor any variable was detected.
func Analyze(fn disasm.DisasmFunction, insts []disasm.Instruction, mode int) (StackFrame, bool) {
	fnInsts := leadingInstructions(fn, insts)

	frameSize := detectFrameSize(fnInsts)

	paramThreshold := uint64(0x10)
	if mode != 64 {
		paramThreshold = 0x8
	}

	slots := make(map[uint64]*slot)

	for _, in := range fnInsts {
		operand := strings.ToLower(in.Operands)

		if m := localNeg.FindStringSubmatch(operand); m != nil {
			off, err := strconv.ParseUint(m[3], 16, 64)
			if err == nil {
				recordSlot(slots, off, sizeFromPrefix(m[1], mode), false)
			}
		}
		if m := localPos.FindStringSubmatch(operand); m != nil {
			off, err := strconv.ParseUint(m[3], 16, 64)
			if err == nil {
				recordSlot(slots, off, sizeFromPrefix(m[1], mode), false)
			}
		}
		if m := paramPos.FindStringSubmatch(operand); m != nil {
			off, err := strconv.ParseUint(m[3], 16, 64)
			if err == nil && off >= paramThreshold {
				recordSlot(slots, off, sizeFromPrefix(m[1], mode), true)
			}
		}
	}

	if len(slots) == 0 && frameSize == 0 {
		return StackFrame{}, false
	}

	ordered := make([]*slot, 0, len(slots))
	for _, s := range slots {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].offset < ordered[j].offset })

	vars := make([]StackVar, 0, len(ordered))
	paramIdx := 0
	for _, s := range ordered {
		var name string
		if s.isParam {
			name = fmt.Sprintf("arg_%d", paramIdx)
			paramIdx++
		} else {
			name = fmt.Sprintf("var_%X", s.offset)
		}
		vars = append(vars, StackVar{
			Offset:      s.offset,
			Size:        s.size,
			AccessCount: s.count,
			Name:        name,
			IsParam:     s.isParam,
		})
	}

	return StackFrame{FrameSize: frameSize, Vars: vars}, true
}

func leadingInstructions(fn disasm.DisasmFunction, insts []disasm.Instruction) []disasm.Instruction {
	var out []disasm.Instruction
	for _, in := range insts {
		if in.Address >= fn.Address && in.Address < fn.Address+fn.Size {
			out = append(out, in)
		}
	}
	return out
}

func detectFrameSize(insts []disasm.Instruction) uint64 {
	n := len(insts)
	if n > 10 {
		n = 10
	}
	for _, in := range insts[:n] {
		if in.Mnemonic != "sub" {
			continue
		}
		dst, src := splitOperands(in.Operands)
		if frameDst.MatchString(strings.ToLower(dst)) {
			if v, ok := parseImmediate(src); ok {
				return uint64(v)
			}
		}
	}
	return 0
}

func splitOperands(operand string) (dst, src string) {
	parts := strings.SplitN(operand, ",", 2)
	dst = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		src = strings.TrimSpace(parts[1])
	}
	return dst, src
}

func parseImmediate(operand string) (int64, bool) {
	operand = strings.TrimSpace(operand)
	if strings.HasPrefix(operand, "0x") {
		v, err := strconv.ParseInt(operand[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	v, err := strconv.ParseInt(operand, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func sizeFromPrefix(prefix string, mode int) int {
	switch prefix {
	case "byte":
		return 1
	case "word":
		return 2
	case "dword":
		return 4
	case "qword":
		return 8
	default:
		if mode == 64 {
			return 8
		}
		return 4
	}
}
