package pe

import (
	"context"

	"github.com/coredump-labs/winpe/cfg"
	"github.com/coredump-labs/winpe/xref"
)

// Fuzz exercises the full analysis pipeline: parse, disassemble, detect
// functions, build xrefs, and build a CFG for every detected function.
func Fuzz(data []byte) int {
	f, err := NewBytes(data, &Options{Fast: false, SectionEntropy: true})
	if err != nil {
		return 0
	}
	if err := f.Parse(); err != nil {
		return 0
	}

	ctx := context.Background()
	if err := f.Analyze(ctx); err != nil {
		return 0
	}

	for _, fn := range f.Functions {
		insts := f.InstructionsFor(ctx, fn.DisasmFunction)
		if len(insts) == 0 {
			continue
		}
		xrefs := xref.Build(insts)
		blocks := cfg.Build(fn.DisasmFunction, insts, xrefs)
		cfg.DetectLoops(ctx, blocks)
	}

	return 1
}
