// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "winpe",
		Short: "A Windows PE static analyzer",
		Long:  "winpe parses Windows PE binaries and disassembles, detects, and cross-references their functions.",
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newDumpCmd(&verbose))
	rootCmd.AddCommand(newAnalyzeCmd(&verbose))

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("winpe version 0.1.0")
		},
	}
}
