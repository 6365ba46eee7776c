// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package sig heuristically infers a function's calling convention and
// parameter count from its leading instructions.
package sig

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/coredump-labs/winpe/disasm"
)

// Convention is a Windows x86/x64 calling convention.
type Convention int

const (
	Fastcall Convention = iota
	Cdecl
	Stdcall
	Thiscall
)

// String renders the convention name.
func (c Convention) String() string {
	switch c {
	case Fastcall:
		return "fastcall"
	case Cdecl:
		return "cdecl"
	case Stdcall:
		return "stdcall"
	case Thiscall:
		return "thiscall"
	default:
		return "unknown"
	}
}

// FunctionSignature is the inferred calling convention and parameter count.
type FunctionSignature struct {
	Convention Convention
	ParamCount int
}

var (
	x64ArgRegs     = []string{"rcx", "cx", "ecx", "cl", "rdx", "dx", "edx", "dl", "r8", "r8d", "r8w", "r8b", "r9", "r9d", "r9w", "r9b"}
	x64ArgRegOrder = [][]string{
		{"rcx", "ecx", "cx", "cl"},
		{"rdx", "edx", "dx", "dl"},
		{"r8", "r8d", "r8w", "r8b"},
		{"r9", "r9d", "r9w", "r9b"},
	}
	rspStackParam = regexp.MustCompile(`\[rsp\s*\+\s*0x([0-9a-fA-F]+)\]`)
	retImm        = regexp.MustCompile(`^ret[n]?$`)
	ebpParam      = regexp.MustCompile(`\[ebp\s*\+\s*0x([0-9a-fA-F]+)\]`)
	ebpParamDec   = regexp.MustCompile(`\[ebp\s*\+\s*(\d+)\]`)

	// regNameWordBoundary has one compiled word-boundary pattern per
	// register name containsAny is ever asked about, built once instead of
	// per instruction.
	regNameWordBoundary = buildRegNameWordBoundary()
)

func buildRegNameWordBoundary() map[string]*regexp.Regexp {
	names := make(map[string]struct{})
	for _, n := range x64ArgRegs {
		names[n] = struct{}{}
	}
	names["ecx"] = struct{}{}
	names["cx"] = struct{}{}
	names["cl"] = struct{}{}

	out := make(map[string]*regexp.Regexp, len(names))
	for n := range names {
		out[n] = regexp.MustCompile(`\b` + n + `\b`)
	}
	return out
}

// Infer derives a FunctionSignature for fn from insts, which must cover at
// least fn's leading instructions. mode is 32 or 64.
func Infer(fn disasm.DisasmFunction, insts []disasm.Instruction, mode int) FunctionSignature {
	leading := leadingInstructions(fn, insts)
	if mode == 64 {
		return inferX64(leading)
	}
	return inferX86(leading)
}

func leadingInstructions(fn disasm.DisasmFunction, insts []disasm.Instruction) []disasm.Instruction {
	var fnInsts []disasm.Instruction
	for _, in := range insts {
		if in.Address >= fn.Address && in.Address < fn.Address+fn.Size {
			fnInsts = append(fnInsts, in)
		}
	}
	return fnInsts
}

func limit(insts []disasm.Instruction, n int) []disasm.Instruction {
	if len(insts) > n {
		return insts[:n]
	}
	return insts
}

// inferX64 implements the Windows x64 fastcall heuristic: scan the leading
// instructions, tracking per-register read-before-write for rcx/rdx/r8/r9 in
// order, and combine with a stack-parameter scan of [rsp+0xN].
func inferX64(insts []disasm.Instruction) FunctionSignature {
	insts = limit(insts, 20)

	written := make([]bool, 4)
	read := make([]bool, 4)

	for _, in := range insts {
		mnemonic := in.Mnemonic
		operand := in.Operands
		parts := strings.SplitN(operand, ",", 2)
		var dst, src string
		dst = strings.TrimSpace(parts[0])
		if len(parts) > 1 {
			src = strings.TrimSpace(parts[1])
		}

		for i, names := range x64ArgRegOrder {
			if written[i] {
				continue
			}
			switch {
			case mnemonic == "mov" || mnemonic == "lea" || mnemonic == "movzx" || mnemonic == "movsx":
				if containsAny(src, names) && !containsAny(dst, names) {
					read[i] = true
				}
				if containsAny(dst, names) {
					if isSelfZero(mnemonic, dst, src, names) || !containsAny(src, names) {
						written[i] = true
					}
				}
			case mnemonic == "cmp" || mnemonic == "test" || mnemonic == "push":
				if containsAny(operand, names) {
					read[i] = true
				}
			case mnemonic == "call":
				// Does not count as reading argument registers.
			case mnemonic == "add" || mnemonic == "sub" || mnemonic == "and" || mnemonic == "or" || mnemonic == "xor":
				if containsAny(dst, names) {
					if (mnemonic == "xor" || mnemonic == "sub") && isSelfZero(mnemonic, dst, src, names) {
						written[i] = true
					} else {
						read[i] = true
					}
				}
			}
		}
	}

	paramCount := 0
	for i := 3; i >= 0; i-- {
		if read[i] {
			paramCount = i + 1
			break
		}
	}

	stackCount := 0
	for _, in := range insts {
		if m := rspStackParam.FindStringSubmatch(in.Operands); m != nil {
			n, err := strconv.ParseUint(m[1], 16, 64)
			if err != nil || n < 0x28 {
				continue
			}
			idx := 5 + int((n-0x28)/8)
			if idx > stackCount {
				stackCount = idx
			}
		}
	}

	if stackCount > paramCount {
		paramCount = stackCount
	}

	return FunctionSignature{Convention: Fastcall, ParamCount: paramCount}
}

// isSelfZero reports whether dst==src names the same register, used to
// still count "xor r, r" / "sub r, r" as a write even though the source
// also mentions the register.
func isSelfZero(mnemonic, dst, src string, names []string) bool {
	if mnemonic != "mov" {
		return containsAny(dst, names) && containsAny(src, names)
	}
	return false
}

func containsAny(operand string, names []string) bool {
	low := strings.ToLower(operand)
	for _, n := range names {
		if re, ok := regNameWordBoundary[n]; ok && re.MatchString(low) {
			return true
		}
	}
	return false
}

// inferX86 implements the 32-bit convention heuristic: ret-N implies
// stdcall, an early ecx read implies thiscall, otherwise cdecl.
func inferX86(insts []disasm.Instruction) FunctionSignature {
	if len(insts) > 0 {
		last := insts[len(insts)-1]
		if retImm.MatchString(last.Mnemonic) {
			if n, ok := parseImmediate(last.Operands); ok && n > 0 {
				return FunctionSignature{Convention: Stdcall, ParamCount: int(n / 4)}
			}
		}
	}

	for _, in := range limit(insts, 10) {
		dst, src := splitOperands(in.Operands)
		switch in.Mnemonic {
		case "mov", "lea", "movzx", "movsx":
			if containsAny(src, []string{"ecx", "cx", "cl"}) && !containsAny(dst, []string{"ecx", "cx", "cl"}) {
				return FunctionSignature{Convention: Thiscall, ParamCount: paramCountEBP(insts)}
			}
			if containsAny(dst, []string{"ecx", "cx", "cl"}) {
				// ecx written before read; not thiscall.
			}
		case "cmp", "test", "push":
			if containsAny(in.Operands, []string{"ecx", "cx", "cl"}) {
				return FunctionSignature{Convention: Thiscall, ParamCount: paramCountEBP(insts)}
			}
		}
		if dstWritesECX(in.Mnemonic, dst) {
			break
		}
	}

	return FunctionSignature{Convention: Cdecl, ParamCount: paramCountEBP(insts)}
}

func dstWritesECX(mnemonic, dst string) bool {
	if mnemonic == "call" {
		return false
	}
	return containsAny(dst, []string{"ecx", "cx", "cl"})
}

func splitOperands(operand string) (dst, src string) {
	parts := strings.SplitN(operand, ",", 2)
	dst = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		src = strings.TrimSpace(parts[1])
	}
	return dst, src
}

func paramCountEBP(insts []disasm.Instruction) int {
	maxN := -1
	for _, in := range insts {
		var hexStr, decStr string
		if m := ebpParam.FindStringSubmatch(in.Operands); m != nil {
			hexStr = m[1]
		} else if m := ebpParamDec.FindStringSubmatch(in.Operands); m != nil {
			decStr = m[1]
		} else {
			continue
		}

		var n int64
		if hexStr != "" {
			v, err := strconv.ParseInt(hexStr, 16, 64)
			if err != nil {
				continue
			}
			n = v
		} else {
			v, err := strconv.ParseInt(decStr, 10, 64)
			if err != nil {
				continue
			}
			n = v
		}

		if n >= 8 && int(n) > maxN {
			maxN = int(n)
		}
	}
	if maxN < 0 {
		return 0
	}
	return (maxN-8)/4 + 1
}

func parseImmediate(operand string) (int64, bool) {
	operand = strings.TrimSpace(operand)
	if operand == "" {
		return 0, false
	}
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
