// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// MinStringLength is the shortest run of printable bytes ExtractStrings will
// emit as a string.
const MinStringLength = 4

// stringDataSectionNames lists the candidate sections ExtractStrings sweeps,
// in priority order; only the first one present is scanned.
var stringDataSectionNames = []string{".rdata", ".rodata", ".data"}

// isPrintableByte reports whether b falls in the printable ASCII range used
// by both the ASCII and UTF-16LE scans.
func isPrintableByte(b byte) bool {
	return b >= 0x20 && b <= 0x7E
}

// ExtractStrings scans the first section matching stringDataSectionNames for
// ASCII and UTF-16LE C-strings of at least MinStringLength characters,
// keying each by its start VA and recording it in pe.Strings.
func (pe *File) ExtractStrings() error {
	var target *Section
	for _, name := range stringDataSectionNames {
		for i := range pe.Sections {
			if pe.Sections[i].String() == name {
				target = &pe.Sections[i]
				break
			}
		}
		if target != nil {
			break
		}
	}

	if pe.Strings == nil {
		pe.Strings = make(map[uint64]string)
	}
	if target == nil {
		return nil
	}

	data := target.Data(0, 0, pe)
	baseVA := pe.imageBase() + uint64(target.Header.VirtualAddress)

	extractASCII(data, baseVA, pe.Strings)
	extractUTF16LE(data, baseVA, pe.Strings)
	return nil
}

// imageBase widens the optional header's image base to a 64-bit VA base,
// regardless of PE32 vs PE32+.
func (pe *File) imageBase() uint64 {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).ImageBase
	}
	return uint64(pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).ImageBase)
}

// extractASCII emits runs of printable bytes of length >= MinStringLength,
// terminated by a NUL or any non-printable byte.
func extractASCII(data []byte, baseVA uint64, out map[uint64]string) {
	n := len(data)
	i := 0
	for i < n {
		if !isPrintableByte(data[i]) {
			i++
			continue
		}
		start := i
		for i < n && isPrintableByte(data[i]) {
			i++
		}
		if i-start >= MinStringLength {
			out[baseVA+uint64(start)] = string(data[start:i])
		}
	}
}

// extractUTF16LE emits runs of (low, 0x00) pairs with low printable, of
// length >= MinStringLength characters, terminated by a (0,0) pair or a
// non-printable low byte.
func extractUTF16LE(data []byte, baseVA uint64, out map[uint64]string) {
	n := len(data)
	i := 0
	for i+1 < n {
		if data[i+1] != 0x00 || !isPrintableByte(data[i]) {
			i += 2
			continue
		}
		start := i
		var chars []byte
		for i+1 < n && data[i+1] == 0x00 && isPrintableByte(data[i]) {
			chars = append(chars, data[i])
			i += 2
		}
		if len(chars) >= MinStringLength {
			out[baseVA+uint64(start)] = string(chars)
		}
	}
}
