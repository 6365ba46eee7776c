// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// MaxDefaultExportedFuncCount is the maximum number of exported functions
// this parser will walk, a defense against corrupt NumberOfFunctions values.
const MaxDefaultExportedFuncCount = 0x100000

// MaxDefaultNameLength bounds export/forwarder name reads.
const MaxDefaultNameLength = 0x200

// ImageExportDirectory represents the IMAGE_EXPORT_DIRECTORY structure,
// found at the start of the export data directory.
type ImageExportDirectory struct {
	Characteristics       uint32 `json:"characteristics"`
	TimeDateStamp         uint32 `json:"time_date_stamp"`
	MajorVersion          uint16 `json:"major_version"`
	MinorVersion          uint16 `json:"minor_version"`
	Name                  uint32 `json:"name"`
	Base                  uint32 `json:"base"`
	NumberOfFunctions     uint32 `json:"number_of_functions"`
	NumberOfNames         uint32 `json:"number_of_names"`
	AddressOfFunctions    uint32 `json:"address_of_functions"`
	AddressOfNames        uint32 `json:"address_of_names"`
	AddressOfNameOrdinals uint32 `json:"address_of_name_ordinals"`
}

// ExportFunction represents a single exported function or forwarder.
type ExportFunction struct {
	// Ordinal is the export ordinal, Base + index into AddressOfFunctions.
	Ordinal uint32 `json:"ordinal"`

	// FunctionRVA is the RVA of the function entry point. Zero when the
	// entry is a forwarder (ForwarderRVA set instead).
	FunctionRVA uint32 `json:"function_rva"`

	// NameRVA is the RVA of the exported name, or zero when exported only
	// by ordinal.
	NameRVA uint32 `json:"name_rva"`

	// Name is the decoded export name, empty when exported only by ordinal.
	Name string `json:"name"`

	// Forwarder is the decoded "DLLNAME.FunctionName" forwarder string, set
	// only when FunctionRVA points inside the export directory itself.
	Forwarder string `json:"forwarder,omitempty"`

	// ForwarderRVA is the RVA Forwarder was read from.
	ForwarderRVA uint32 `json:"forwarder_rva,omitempty"`
}

// Export wraps the export directory struct along with the DLL name and the
// functions/forwarders it exposes.
type Export struct {
	Struct    ImageExportDirectory `json:"struct"`
	Name      string               `json:"name"`
	Functions []ExportFunction     `json:"functions"`
}

// parseExportDirectory parses the export directory and the export address
// table, name pointer table, and ordinal table it references. See
// https://learn.microsoft.com/en-us/windows/win32/debug/pe-format#export-directory-table
func (pe *File) parseExportDirectory(rva, size uint32) error {

	exportDir := ImageExportDirectory{}
	offset := pe.GetOffsetFromRva(rva)
	err := pe.structUnpack(&exportDir, offset, size)
	if err != nil {
		return err
	}

	pe.Export.Struct = exportDir
	pe.Export.Name = pe.getStringAtRVA(exportDir.Name, MaxDefaultNameLength)

	if exportDir.NumberOfFunctions == 0 || exportDir.NumberOfFunctions > MaxDefaultExportedFuncCount {
		pe.HasExport = true
		return nil
	}

	addressOfFunctions := make([]uint32, exportDir.NumberOfFunctions)
	addrOff := pe.GetOffsetFromRva(exportDir.AddressOfFunctions)
	for i := uint32(0); i < exportDir.NumberOfFunctions; i++ {
		v, err := pe.ReadUint32(addrOff + i*4)
		if err != nil {
			break
		}
		addressOfFunctions[i] = v
	}

	// Name pointer table and ordinal table run in lockstep: the i-th entry
	// of AddressOfNameOrdinals gives the index into addressOfFunctions that
	// the i-th name in AddressOfNames refers to.
	namesOff := pe.GetOffsetFromRva(exportDir.AddressOfNames)
	ordOff := pe.GetOffsetFromRva(exportDir.AddressOfNameOrdinals)
	nameRVAByFuncIndex := make(map[uint32]uint32, exportDir.NumberOfNames)
	for i := uint32(0); i < exportDir.NumberOfNames; i++ {
		nameRVA, err := pe.ReadUint32(namesOff + i*4)
		if err != nil {
			break
		}
		ord, err := pe.ReadUint16(ordOff + i*2)
		if err != nil {
			break
		}
		nameRVAByFuncIndex[uint32(ord)] = nameRVA
	}

	functions := make([]ExportFunction, 0, exportDir.NumberOfFunctions)
	for i, funcRVA := range addressOfFunctions {
		ef := ExportFunction{
			Ordinal:     exportDir.Base + uint32(i),
			FunctionRVA: funcRVA,
		}

		if nameRVA, ok := nameRVAByFuncIndex[uint32(i)]; ok {
			ef.NameRVA = nameRVA
			ef.Name = pe.getStringAtRVA(nameRVA, MaxDefaultNameLength)
		}

		// A forwarder entry has its RVA pointing inside the export directory
		// itself rather than at executable code.
		if funcRVA != 0 && funcRVA >= rva && funcRVA < rva+size {
			ef.ForwarderRVA = funcRVA
			ef.Forwarder = pe.getStringAtRVA(funcRVA, MaxDefaultNameLength)
			ef.FunctionRVA = 0
		}

		functions = append(functions, ef)
	}

	pe.Export.Functions = functions
	pe.HasExport = true
	return nil
}
