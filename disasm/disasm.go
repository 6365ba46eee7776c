// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package disasm wraps golang.org/x/arch/x86/x86asm into a linear-sweep
// decoder with resynchronization and operand annotation against a string
// table and an import address table.
package disasm

import (
	"context"
	"iter"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// chunkSize bounds how many bytes the decoder looks at before yielding
// control back to the caller, so a cancelled context is noticed promptly.
const chunkSize = 64 * 1024

// maxCommentLength is the longest a string annotation may be before it is
// truncated with an ellipsis.
const maxCommentLength = 60

// Instruction is a single decoded x86/x64 instruction. It owns its bytes and
// never aliases the buffer it was decoded from.
type Instruction struct {
	Address  uint64
	Bytes    []byte
	Mnemonic string
	Operands string
	Size     int
	Comment  string
}

// DisasmFunction is a detected function: a name, its entry VA, and its byte
// span within the section that contains it. Size is 0 only transiently,
// before the function detector derives it from the next function's address.
type DisasmFunction struct {
	Name    string
	Address uint64
	Size    uint64
}

// ImportRef names the library and function an IAT slot resolves to.
type ImportRef struct {
	Library  string
	Function string
}

var (
	ripPattern = regexp.MustCompile(`rip\s*([+-])\s*0x([0-9a-fA-F]+)`)
	hexPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// mode converts a bitness (32 or 64) into the x86asm decode mode. Anything
// else defaults to 32-bit, matching the PE32 fallback used elsewhere.
func mode(bits int) int {
	if bits == 64 {
		return 64
	}
	return 32
}

// Decode returns a lazy, address-ascending sequence of instructions decoded
// from code, which is assumed to start at virtual address baseVA. strs and
// iat are read-only lookup tables used to annotate operands; either may be
// nil. The sequence may be abandoned early by the caller (range-break) or by
// cancelling ctx; output up to the point of cancellation is valid.
func Decode(ctx context.Context, code []byte, baseVA uint64, bits int, strs map[uint64]string, iat map[uint64]ImportRef) iter.Seq[Instruction] {
	m := mode(bits)
	return func(yield func(Instruction) bool) {
		offset := 0
		for offset < len(code) {
			select {
			case <-ctx.Done():
				return
			default:
			}

			end := offset + chunkSize
			if end > len(code) {
				end = len(code)
			}
			window := code[offset:end]

			insts, consumed, panicked := decodeChunk(window, baseVA+uint64(offset), m, strs, iat)
			if panicked {
				// Decoding blew up on this chunk; skip it wholesale and
				// resume resynchronization on the next one.
				offset = end
				continue
			}
			if len(insts) == 0 {
				// Nothing decodable at this offset; resync one byte at a
				// time rather than discarding the whole window.
				offset++
				continue
			}
			for _, inst := range insts {
				if !yield(inst) {
					return
				}
			}
			offset += consumed
		}
	}
}

// DecodeAll materializes Decode's output into a slice, for passes that need
// random access within a function's instruction range (xref, CFG, signature
// and stack-frame inference all do).
func DecodeAll(ctx context.Context, code []byte, baseVA uint64, bits int, strs map[uint64]string, iat map[uint64]ImportRef) []Instruction {
	var out []Instruction
	for inst := range Decode(ctx, code, baseVA, bits, strs, iat) {
		out = append(out, inst)
	}
	return out
}

// decodeChunk sequentially decodes instructions from window, which begins at
// virtual address baseVA, until it runs out of room or hits an instruction
// x86asm cannot decode. consumed is the number of bytes covered by the
// instructions actually returned, which may be less than len(window).
func decodeChunk(window []byte, baseVA uint64, m int, strs map[uint64]string, iat map[uint64]ImportRef) (insts []Instruction, consumed int, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			insts = nil
			consumed = len(window)
			panicked = true
		}
	}()

	pos := 0
	for pos < len(window) {
		inst, err := x86asm.Decode(window[pos:], m)
		if err != nil || inst.Len == 0 {
			break
		}

		addr := baseVA + uint64(pos)
		raw := window[pos : pos+inst.Len]
		buf := make([]byte, len(raw))
		copy(buf, raw)

		mnemonic, operands := disassemble(inst, addr)
		ins := Instruction{
			Address:  addr,
			Bytes:    buf,
			Mnemonic: mnemonic,
			Operands: operands,
			Size:     inst.Len,
		}
		ins.Comment = annotate(addr, inst.Len, operands, strs, iat)
		insts = append(insts, ins)
		pos += inst.Len
	}
	consumed = pos
	return
}

// disassemble renders inst as Intel-syntax text and splits it into a
// mnemonic and an operand string. addr is the address of inst itself;
// x86asm adds inst.Len to it when expanding relative branch targets.
func disassemble(inst x86asm.Inst, addr uint64) (mnemonic, operands string) {
	text := x86asm.IntelSyntax(inst, addr, nil)
	i := strings.IndexByte(text, ' ')
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i+1:])
}

// annotate derives an instruction comment from the first of: a rip-relative
// operand resolving to a known string or import, or any absolute hex
// immediate elsewhere in the operand text resolving the same way.
func annotate(addr uint64, size int, operands string, strs map[uint64]string, iat map[uint64]ImportRef) string {
	if m := ripPattern.FindStringSubmatch(operands); m != nil {
		disp, err := strconv.ParseUint(m[2], 16, 64)
		if err == nil {
			target := addr + uint64(size)
			if m[1] == "+" {
				target += disp
			} else {
				target -= disp
			}
			if c, ok := lookup(target, strs, iat); ok {
				return c
			}
		}
	}

	stripped := ripPattern.ReplaceAllString(operands, "")
	for _, lit := range hexPattern.FindAllString(stripped, -1) {
		v, err := strconv.ParseUint(strings.TrimPrefix(lit, "0x"), 16, 64)
		if err != nil {
			continue
		}
		if c, ok := lookup(v, strs, iat); ok {
			return c
		}
	}
	return ""
}

func lookup(va uint64, strs map[uint64]string, iat map[uint64]ImportRef) (string, bool) {
	if s, ok := strs[va]; ok {
		return truncate(s), true
	}
	if ref, ok := iat[va]; ok {
		return ref.Library + "!" + ref.Function, true
	}
	return "", false
}

func truncate(s string) string {
	if len(s) <= maxCommentLength {
		return s
	}
	return s[:maxCommentLength-3] + "..."
}
