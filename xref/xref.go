// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package xref builds a typed cross-reference graph over a decoded
// instruction stream.
package xref

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/coredump-labs/winpe/disasm"
)

// Kind classifies the nature of a cross-reference.
type Kind int

const (
	// Call is a control transfer via a call instruction.
	Call Kind = iota
	// Jmp is an unconditional non-call control transfer.
	Jmp
	// Branch is a conditional control-flow edge.
	Branch
	// Data is a non-control memory reference.
	Data
)

// String renders the kind name.
func (k Kind) String() string {
	switch k {
	case Call:
		return "call"
	case Jmp:
		return "jmp"
	case Branch:
		return "branch"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Xref is a single cross-reference, from one address to another.
type Xref struct {
	From uint64
	Type Kind
}

const dataThreshold = 0x10000

var (
	bareHexPattern = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)
	ripPattern     = regexp.MustCompile(`rip\s*([+-])\s*0x([0-9a-fA-F]+)`)
	hexLitPattern  = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// Build walks insts in order and returns the map of target VA to the ordered
// list of xrefs pointing at it. Within a target's list, xrefs are ordered by
// the address of the instruction that produced them.
func Build(insts []disasm.Instruction) map[uint64][]Xref {
	out := make(map[uint64][]Xref)
	add := func(to uint64, from uint64, kind Kind) {
		out[to] = append(out[to], Xref{From: from, Type: kind})
	}

	for _, inst := range insts {
		operand := strings.TrimSpace(inst.Operands)
		mnemonic := inst.Mnemonic

		if bareHexPattern.MatchString(operand) {
			// A bare-literal operand only yields an xref when the mnemonic
			// is itself a control transfer; other instructions with a
			// single hex-literal operand (e.g. "push 0x1234") produce none.
			if kind, ok := classify(mnemonic); ok {
				if target, err := strconv.ParseUint(operand[2:], 16, 64); err == nil {
					add(target, inst.Address, kind)
				}
			}
			continue
		}

		if m := ripPattern.FindStringSubmatch(operand); m != nil {
			disp, err := strconv.ParseUint(m[2], 16, 64)
			if err != nil {
				continue
			}
			target := inst.Address + uint64(inst.Size)
			if m[1] == "+" {
				target += disp
			} else {
				target -= disp
			}

			switch {
			case mnemonic == "call":
				add(target, inst.Address, Call)
			case mnemonic == "jmp":
				add(target, inst.Address, Jmp)
			default:
				add(target, inst.Address, Data)
			}
			continue
		}

		if isControl(mnemonic) {
			continue
		}
		for _, lit := range hexLitPattern.FindAllString(operand, -1) {
			v, err := strconv.ParseUint(strings.TrimPrefix(lit, "0x"), 16, 64)
			if err != nil || v <= dataThreshold {
				continue
			}
			add(v, inst.Address, Data)
		}
	}

	return out
}

// classify maps a mnemonic to the xref kind implied by a bare-literal
// operand: call, an unconditional jmp, or any other mnemonic starting with
// "j" (a conditional branch). ok is false for any other mnemonic, meaning
// no xref should be recorded.
func classify(mnemonic string) (kind Kind, ok bool) {
	switch {
	case mnemonic == "call":
		return Call, true
	case mnemonic == "jmp":
		return Jmp, true
	case strings.HasPrefix(mnemonic, "j"):
		return Branch, true
	default:
		return 0, false
	}
}

// isControl reports whether mnemonic is a control-transfer instruction,
// which is excluded from the generic data-literal scan.
func isControl(mnemonic string) bool {
	if mnemonic == "call" || mnemonic == "jmp" {
		return true
	}
	return strings.HasPrefix(mnemonic, "j")
}
