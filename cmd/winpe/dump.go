// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	winpe "github.com/coredump-labs/winpe"
	"github.com/coredump-labs/winpe/log"
)

type dumpFlags struct {
	dosHeader  bool
	richHeader bool
	ntHeader   bool
	sections   bool
	imports    bool
	export     bool
	tls        bool
	strings    bool
	all        bool
}

func newDumpCmd(verbose *bool) *cobra.Command {
	flags := &dumpFlags{}

	cmd := &cobra.Command{
		Use:   "dump <path>",
		Short: "Dump a PE file's headers and directories as JSON",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			walk(args[0], func(path string) {
				dumpFile(path, flags, *verbose)
			})
		},
	}

	cmd.Flags().BoolVar(&flags.dosHeader, "dosheader", false, "dump the DOS header")
	cmd.Flags().BoolVar(&flags.richHeader, "richheader", false, "dump the Rich header")
	cmd.Flags().BoolVar(&flags.ntHeader, "ntheader", false, "dump the NT header")
	cmd.Flags().BoolVar(&flags.sections, "sections", false, "dump section headers")
	cmd.Flags().BoolVar(&flags.imports, "imports", false, "dump the import table")
	cmd.Flags().BoolVar(&flags.export, "export", false, "dump the export table")
	cmd.Flags().BoolVar(&flags.tls, "tls", false, "dump the TLS directory")
	cmd.Flags().BoolVar(&flags.strings, "strings", false, "dump recovered strings")
	cmd.Flags().BoolVar(&flags.all, "all", false, "dump everything")

	return cmd
}

// walk invokes fn for path if it names a file, or for every file beneath it
// if it names a directory.
func walk(path string, fn func(string)) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot stat %s: %v\n", path, err)
		return
	}
	if !info.IsDir() {
		fn(path)
		return
	}
	filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
		if err == nil && !f.IsDir() {
			fn(p)
		}
		return nil
	})
}

func prettyJSON(v interface{}) string {
	var buf bytes.Buffer
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal error: %v>", err)
	}
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func dumpFile(path string, flags *dumpFlags, verbose bool) {
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

	f, err := winpe.NewBytes(data, &winpe.Options{Logger: logger, SectionEntropy: true})
	if err != nil {
		helper.Errorf("opening %s: %v", path, err)
		return
	}
	defer f.Close()

	if err := f.Parse(); err != nil {
		helper.Errorf("parsing %s: %v", path, err)
		return
	}

	fmt.Printf("\n------[ %s ]------\n", path)

	if flags.dosHeader || flags.all {
		fmt.Println("\nDOS HEADER")
		fmt.Println(prettyJSON(f.DOSHeader))
	}
	if (flags.richHeader || flags.all) && f.FileInfo.HasRichHdr {
		fmt.Println("\nRICH HEADER")
		fmt.Println(prettyJSON(f.RichHeader))
	}
	if flags.ntHeader || flags.all {
		fmt.Println("\nNT HEADER")
		fmt.Println(prettyJSON(f.NtHeader))
	}
	if (flags.sections || flags.all) && f.FileInfo.HasSections {
		fmt.Println("\nSECTIONS")
		names := make([]string, len(f.Sections))
		for i, sec := range f.Sections {
			names[i] = sec.String()
		}
		fmt.Println(strings.Join(names, ", "))
		fmt.Println(prettyJSON(f.Sections))
	}
	if (flags.imports || flags.all) && f.FileInfo.HasImport {
		fmt.Println("\nIMPORTS")
		fmt.Println(prettyJSON(f.Imports))
	}
	if (flags.export || flags.all) && f.FileInfo.HasExport {
		fmt.Println("\nEXPORT")
		fmt.Println(prettyJSON(f.Export))
	}
	if (flags.tls || flags.all) && f.FileInfo.HasTLS {
		fmt.Println("\nTLS")
		fmt.Println(prettyJSON(f.TLS))
	}
	if flags.strings || flags.all {
		if err := f.ExtractStrings(); err != nil {
			helper.Errorf("extracting strings from %s: %v", path, err)
		} else {
			fmt.Println("\nSTRINGS")
			fmt.Println(prettyJSON(f.Strings))
		}
	}

	if len(f.Anomalies) > 0 {
		fmt.Println("\nANOMALIES")
		fmt.Println(strings.Join(f.Anomalies, "\n"))
	}
}
