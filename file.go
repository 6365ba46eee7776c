// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"context"
	"errors"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/coredump-labs/winpe/disasm"
	"github.com/coredump-labs/winpe/log"
	"github.com/coredump-labs/winpe/sig"
	"github.com/coredump-labs/winpe/stackframe"
)

// AnalyzedFunction bundles a detected function with the signature and
// stack-frame inferences Analyze ran over it, so a caller holding one
// has everything in one place instead of re-running the individual
// sig/stackframe passes itself.
type AnalyzedFunction struct {
	disasm.DisasmFunction

	Signature sig.FunctionSignature `json:"signature"`

	Frame    stackframe.StackFrame `json:"frame,omitempty"`
	HasFrame bool                  `json:"has_frame"`
}

// A File represents an open PE file plus the results of the static-analysis
// pipeline once Analyze has been run over it.
type File struct {
	DOSHeader    ImageDOSHeader              `json:"dos_header,omitempty"`
	RichHeader   RichHeader                  `json:"rich_header,omitempty"`
	NtHeader     ImageNtHeader               `json:"nt_header,omitempty"`
	Sections     []Section                   `json:"sections,omitempty"`
	Imports      []Import                    `json:"imports,omitempty"`
	Export       Export                      `json:"export,omitempty"`
	TLS          TLSDirectory                `json:"tls,omitempty"`
	BoundImports []BoundImportDescriptorData `json:"bound_imports,omitempty"`
	GlobalPtr    uint32                      `json:"global_ptr,omitempty"`
	IAT          []IATEntry                  `json:"iat,omitempty"`
	Anomalies    []string                    `json:"anomalies,omitempty"`

	// Strings holds the addresses and decoded text recovered by
	// ExtractStrings, keyed by the VA the bytes live at.
	Strings map[uint64]string `json:"strings,omitempty"`

	// Functions holds the outcome of the disassembly + function-detection +
	// signature + stack-frame pipeline, populated by Analyze. Xref and CFG
	// results are not cached here: they are cheap to rebuild on demand from
	// InstructionsFor and are exposed by the xref/cfg packages directly.
	Functions []AnalyzedFunction `json:"functions,omitempty"`

	Header []byte
	data   mmap.MMap
	FileInfo
	size          uint32
	OverlayOffset int64
	f             *os.File
	opts          *Options
	logger        *log.Helper
}

// Options for Parsing
type Options struct {

	// Parse only the PE header and do not parse data directories, by default (false).
	Fast bool

	// Includes section entropy, by default (false).
	SectionEntropy bool

	// Disassemble and analyze detected functions as part of Parse, by
	// default (false). When false, callers run Analyze explicitly.
	DisassembleCode bool

	// Maximum number of bytes scanned for a function prologue, by default
	// (MaxDefaultPrologueScan). The value is only stored in the options:
	// function detection does not read it and tests the prologue patterns
	// at every offset of each executable section.
	MaxFunctionPrologueScan uint32

	// A custom logger.
	Logger log.Logger
}

// New instantiates a file instance with options given a file name.
func New(name string, opts *Options) (*File, error) {

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	// Memory map the file instead of using read/write.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := File{}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}

	if file.opts.MaxFunctionPrologueScan == 0 {
		file.opts.MaxFunctionPrologueScan = MaxDefaultPrologueScan
	}

	var logger log.Logger
	if file.opts.Logger == nil {
		logger = log.NewStdLogger(os.Stdout)
		file.logger = log.NewHelper(log.NewFilter(logger,
			log.FilterLevel(log.LevelError)))
	} else {
		file.logger = log.NewHelper(file.opts.Logger)
	}

	file.data = data
	file.size = uint32(len(file.data))
	file.f = f
	return &file, nil
}

// NewBytes instantiates a file instance with options given a memory buffer.
func NewBytes(data []byte, opts *Options) (*File, error) {

	file := File{}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}

	if file.opts.MaxFunctionPrologueScan == 0 {
		file.opts.MaxFunctionPrologueScan = MaxDefaultPrologueScan
	}

	var logger log.Logger
	if file.opts.Logger == nil {
		logger = log.NewStdLogger(os.Stdout)
		file.logger = log.NewHelper(log.NewFilter(logger,
			log.FilterLevel(log.LevelError)))
	} else {
		file.logger = log.NewHelper(file.opts.Logger)
	}

	file.data = data
	file.size = uint32(len(file.data))
	return &file, nil
}

// Close closes the File.
func (pe *File) Close() error {
	if pe.data != nil {
		_ = pe.data.Unmap()
	}

	if pe.f != nil {
		return pe.f.Close()
	}
	return nil
}

// Parse performs the file parsing for a PE binary.
func (pe *File) Parse() error {

	// check for the smallest PE size.
	if len(pe.data) < TinyPESize {
		return ErrInvalidPESize
	}

	// Parse the DOS header.
	err := pe.ParseDOSHeader()
	if err != nil {
		return err
	}

	// Parse the Rich header.
	err = pe.ParseRichHeader()
	if err != nil {
		pe.logger.Errorf("rich header parsing failed: %v", err)
	}

	// Parse the NT header.
	err = pe.ParseNTHeader()
	if err != nil {
		return err
	}

	// Parse the Section Header.
	err = pe.ParseSectionHeader()
	if err != nil {
		return err
	}

	// In fast mode, do not parse data directories.
	if pe.opts.Fast {
		return nil
	}

	// Parse the Data Directory entries.
	if err := pe.ParseDataDirectories(); err != nil {
		return err
	}

	if pe.opts.DisassembleCode {
		if err := pe.Analyze(context.Background()); err != nil {
			pe.logger.Errorf("analysis failed: %v", err)
		}
	}

	return nil
}

// String stringify the data directory entry.
func (entry ImageDirectoryEntry) String() string {
	dataDirMap := map[ImageDirectoryEntry]string{
		ImageDirectoryEntryExport:      "Export",
		ImageDirectoryEntryImport:      "Import",
		ImageDirectoryEntryResource:    "Resource",
		ImageDirectoryEntryException:   "Exception",
		ImageDirectoryEntryCertificate: "Security",
		ImageDirectoryEntryBaseReloc:   "Relocation",
		ImageDirectoryEntryDebug:       "Debug",
		ImageDirectoryEntryArchitecture: "Architecture",
		ImageDirectoryEntryGlobalPtr:   "GlobalPtr",
		ImageDirectoryEntryTLS:         "TLS",
		ImageDirectoryEntryLoadConfig:  "LoadConfig",
		ImageDirectoryEntryBoundImport: "BoundImport",
		ImageDirectoryEntryIAT:         "IAT",
		ImageDirectoryEntryDelayImport: "DelayImport",
		ImageDirectoryEntryCLR:         "CLR",
		ImageDirectoryEntryReserved:    "Reserved",
	}

	return dataDirMap[entry]
}

// ParseDataDirectories parses the data directories. The DataDirectory is an
// array of 16 structures. Each array entry has a predefined meaning for what
// it refers to. Directories this module does not model (resources, exception
// unwind tables, certificates, base relocations, debug, architecture, load
// config, delay imports, CLR metadata) are parsed only far enough to be
// skipped; no handler is registered for them.
func (pe *File) ParseDataDirectories() error {

	foundErr := false
	oh32 := ImageOptionalHeader32{}
	oh64 := ImageOptionalHeader64{}

	switch pe.Is64 {
	case true:
		oh64 = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
	case false:
		oh32 = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	}

	// Maps data directory index to function which parses that directory.
	// Directories with no entry here are silently skipped below.
	funcMaps := map[ImageDirectoryEntry](func(uint32, uint32) error){
		ImageDirectoryEntryExport:      pe.parseExportDirectory,
		ImageDirectoryEntryImport:      pe.parseImportDirectory,
		ImageDirectoryEntryGlobalPtr:   pe.parseGlobalPtrDirectory,
		ImageDirectoryEntryTLS:         pe.parseTLSDirectory,
		ImageDirectoryEntryBoundImport: pe.parseBoundImportDirectory,
		ImageDirectoryEntryIAT:         pe.parseIATDirectory,
	}

	// Iterate over data directories and call the appropriate function.
	for entryIndex := ImageDirectoryEntry(0); entryIndex < ImageNumberOfDirectoryEntries; entryIndex++ {

		var va, size uint32
		switch pe.Is64 {
		case true:
			dirEntry := oh64.DataDirectory[entryIndex]
			va = dirEntry.VirtualAddress
			size = dirEntry.Size
		case false:
			dirEntry := oh32.DataDirectory[entryIndex]
			va = dirEntry.VirtualAddress
			size = dirEntry.Size
		}

		if va != 0 {
			func() {
				// keep parsing data directories even though some entries fails.
				defer func() {
					if e := recover(); e != nil {
						pe.logger.Errorf("unhandled exception when parsing data directory %s, reason: %v",
							entryIndex.String(), e)
						foundErr = true
					}
				}()

				// the last entry in the data directories is reserved and must be zero.
				if entryIndex == ImageDirectoryEntryReserved {
					pe.Anomalies = append(pe.Anomalies, AnoReservedDataDirectoryEntry)
					return
				}

				parse, ok := funcMaps[entryIndex]
				if !ok {
					return
				}

				err := parse(va, size)
				if err != nil {
					pe.logger.Warnf("failed to parse data directory %s, reason: %v",
						entryIndex.String(), err)
				}
			}()
		}
	}

	if foundErr {
		return errors.New("Data directory parsing failed")
	}
	return nil
}
