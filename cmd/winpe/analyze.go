// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	winpe "github.com/coredump-labs/winpe"
	"github.com/coredump-labs/winpe/cfg"
	"github.com/coredump-labs/winpe/disasm"
	"github.com/coredump-labs/winpe/log"
	"github.com/coredump-labs/winpe/xref"
)

type analyzeFlags struct {
	showXrefs bool
	showLoops bool
}

func newAnalyzeCmd(verbose *bool) *cobra.Command {
	flags := &analyzeFlags{}

	cmd := &cobra.Command{
		Use:   "analyze <path>",
		Short: "Disassemble, detect functions, and report signatures and stack frames",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			walk(args[0], func(path string) {
				analyzeFile(path, flags, *verbose)
			})
		},
	}

	cmd.Flags().BoolVar(&flags.showXrefs, "xrefs", false, "list incoming cross-references per function")
	cmd.Flags().BoolVar(&flags.showLoops, "loops", false, "detect and list loops in each function's CFG")

	return cmd
}

func analyzeFile(path string, flags *analyzeFlags, verbose bool) {
	logger := log.NewStdLogger(os.Stderr)
	level := log.LevelWarn
	if verbose {
		level = log.LevelDebug
	}
	logger = log.NewFilter(logger, log.FilterLevel(level))
	helper := log.NewHelper(logger)

	data, err := os.ReadFile(path)
	if err != nil {
		helper.Errorf("reading %s: %v", path, err)
		return
	}

	f, err := winpe.NewBytes(data, &winpe.Options{Logger: logger})
	if err != nil {
		helper.Errorf("opening %s: %v", path, err)
		return
	}
	defer f.Close()

	if err := f.Parse(); err != nil {
		helper.Errorf("parsing %s: %v", path, err)
		return
	}

	ctx := context.Background()
	if err := f.Analyze(ctx); err != nil {
		helper.Errorf("analyzing %s: %v", path, err)
		return
	}

	fmt.Printf("\n------[ %s ]------\n\n", path)
	fmt.Printf("%d function(s) detected\n\n", len(f.Functions))

	w := tabwriter.NewWriter(os.Stdout, 1, 1, 3, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "Address\tSize\tName\tConvention\tParams\tFrame\t")
	for _, fn := range f.Functions {
		frame := "-"
		if fn.HasFrame {
			frame = fmt.Sprintf("0x%x (%d vars)", fn.Frame.FrameSize, len(fn.Frame.Vars))
		}
		fmt.Fprintf(w, "0x%x\t0x%x\t%s\t%s\t%d\t%s\t\n",
			fn.Address, fn.Size, fn.Name, fn.Signature.Convention, fn.Signature.ParamCount, frame)
	}
	w.Flush()

	if !flags.showXrefs && !flags.showLoops {
		return
	}

	// Xrefs are built once across every detected function's instructions so
	// that calls made from one function into another are visible; building
	// them per function would only ever see self-references.
	instsByFunc := make(map[uint64][]disasm.Instruction, len(f.Functions))
	var all []disasm.Instruction
	for _, fn := range f.Functions {
		insts := f.InstructionsFor(ctx, fn.DisasmFunction)
		instsByFunc[fn.Address] = insts
		all = append(all, insts...)
	}

	var xrefs map[uint64][]xref.Xref
	if flags.showXrefs {
		xrefs = xref.Build(all)
	}

	for _, fn := range f.Functions {
		insts := instsByFunc[fn.Address]
		if len(insts) == 0 {
			continue
		}

		if flags.showXrefs {
			if refs, ok := xrefs[fn.Address]; ok {
				fmt.Printf("\n%s (0x%x) referenced from:\n", fn.Name, fn.Address)
				for _, ref := range refs {
					fmt.Printf("  0x%x (%s)\n", ref.From, ref.Type)
				}
			}
		}

		if flags.showLoops {
			blocks := cfg.Build(fn.DisasmFunction, insts, xref.Build(insts))
			loops := cfg.DetectLoops(ctx, blocks)
			if len(loops) > 0 {
				fmt.Printf("\n%s (0x%x) loops:\n", fn.Name, fn.Address)
				for _, loop := range loops {
					fmt.Printf("  header 0x%x <- back-edge 0x%x (depth %d)\n",
						loop.HeaderAddr, loop.BackEdgeFromAddr, loop.Depth)
				}
			}
		}
	}
}
