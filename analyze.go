// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"context"

	"github.com/coredump-labs/winpe/disasm"
	"github.com/coredump-labs/winpe/funcdetect"
	"github.com/coredump-labs/winpe/sig"
	"github.com/coredump-labs/winpe/stackframe"
)

// Analyze runs the disassembly, function-detection, signature and stack-
// frame passes over every executable section and records the result in
// pe.Functions. It is safe to call multiple times; each call replaces the
// previous result. Cross-reference and CFG analysis are exposed separately
// by the xref and cfg packages, operating per function on the instruction
// stream returned by pe.InstructionsFor, since callers rarely need every
// function's CFG at once.
func (pe *File) Analyze(ctx context.Context) error {
	if err := pe.ExtractStrings(); err != nil {
		return err
	}

	base := pe.imageBase()
	mode := 32
	if pe.Is64 {
		mode = 64
	}

	entryRVA := pe.entryPointRVA()
	entryVA := base + uint64(entryRVA)

	var functions []AnalyzedFunction
	for i := range pe.Sections {
		section := &pe.Sections[i]
		if section.Header.Characteristics&ImageScnMemExecute == 0 {
			continue
		}

		code := section.Data(0, 0, pe)
		if len(code) == 0 {
			continue
		}
		sectionVA := base + uint64(section.Header.VirtualAddress)
		sectionEnd := sectionVA + uint64(len(code))

		opts := funcdetect.Options{}
		if entryVA >= sectionVA && entryVA < sectionEnd {
			ep := entryVA
			opts.EntryPoint = &ep
		}
		for _, fn := range pe.Export.Functions {
			if fn.Name == "" || fn.FunctionRVA == 0 {
				continue
			}
			va := base + uint64(fn.FunctionRVA)
			if va >= sectionVA && va < sectionEnd {
				opts.Exports = append(opts.Exports, funcdetect.ExportRef{Name: fn.Name, VA: va})
			}
		}

		for _, fn := range funcdetect.Detect(ctx, code, sectionVA, mode, opts) {
			af := AnalyzedFunction{DisasmFunction: fn}

			insts := pe.InstructionsFor(ctx, fn)
			if len(insts) > 0 {
				af.Signature = sig.Infer(fn, insts, mode)
				af.Frame, af.HasFrame = stackframe.Analyze(fn, insts, mode)
			}

			functions = append(functions, af)
		}
	}

	pe.Functions = functions
	return nil
}

// InstructionsFor decodes and returns every instruction within fn's byte
// range, for callers driving the xref/CFG/signature/stack-frame passes.
func (pe *File) InstructionsFor(ctx context.Context, fn disasm.DisasmFunction) []disasm.Instruction {
	section := pe.sectionContaining(fn.Address)
	if section == nil {
		return nil
	}

	base := pe.imageBase()
	mode := 32
	if pe.Is64 {
		mode = 64
	}
	sectionVA := base + uint64(section.Header.VirtualAddress)
	code := section.Data(0, 0, pe)

	start := fn.Address - sectionVA
	end := start + fn.Size
	if end > uint64(len(code)) {
		end = uint64(len(code))
	}
	if start >= end {
		return nil
	}

	return disasm.DecodeAll(ctx, code[start:end], fn.Address, mode, pe.Strings, pe.buildIATRefs(base))
}

func (pe *File) sectionContaining(va uint64) *Section {
	base := pe.imageBase()
	for i := range pe.Sections {
		section := &pe.Sections[i]
		start := base + uint64(section.Header.VirtualAddress)
		end := start + uint64(section.Header.VirtualSize)
		if va >= start && va < end {
			return section
		}
	}
	return nil
}

// entryPointRVA reads the entry-point RVA from whichever optional header
// width applies.
func (pe *File) entryPointRVA() uint32 {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).AddressOfEntryPoint
	}
	return pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).AddressOfEntryPoint
}

// buildIATRefs maps each import's IAT slot VA to its (library, function)
// reference, for operand annotation.
func (pe *File) buildIATRefs(base uint64) map[uint64]disasm.ImportRef {
	refs := make(map[uint64]disasm.ImportRef)
	for _, imp := range pe.Imports {
		for _, fn := range imp.Functions {
			if fn.ThunkRVA == 0 {
				continue
			}
			refs[base+uint64(fn.ThunkRVA)] = disasm.ImportRef{Library: imp.Name, Function: fn.Name}
		}
	}
	return refs
}
