// Package exception walks a PE image's exception directory and zeroes
// RUNTIME_FUNCTION entries that would crash the x64 unwinder.
package exception

import (
	"unsafe"

	"github.com/atrexus/vulkan/internal/pe"
)

// unwindInfoHeader is the first byte of UNWIND_INFO, carrying the
// 3-bit version in its low bits. The rest of UNWIND_INFO is irrelevant
// here and is never parsed.
type unwindInfoHeader struct {
	versionAndFlags uint8
}

func (h unwindInfoHeader) version() uint8 {
	return h.versionAndFlags & 0x7
}

// Sanitize walks IMAGE_DIRECTORY_ENTRY_EXCEPTION as an array of
// IMAGE_RUNTIME_FUNCTION_ENTRY and zeroes any entry whose Begin/End/
// UnwindInfo RVAs do not all resolve to a section, or whose unwind
// info version is not 1. This is the corrected condition from
// SPEC_FULL.md §4.6/§9: the source's resolve_runtime_functions has an
// inverted short-circuit (see DESIGN.md); this implementation zeroes
// an entry when ANY of the three RVAs fails to resolve OR the version
// check fails, not the source's buggy "continue" ordering.
func Sanitize(img *pe.Image) {
	dir := img.DataDirectory(pe.ImageDirectoryEntryException)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return
	}

	entrySize := uint32(pe.ImageRuntimeFunctionEntrySize)

	for rva := dir.VirtualAddress; rva < dir.VirtualAddress+dir.Size; rva += entrySize {
		offset := img.RvaToOffset(rva)
		if offset == 0 {
			continue
		}

		entry := (*pe.ImageRuntimeFunctionEntry)(unsafe.Pointer(&img.Buffer()[offset]))

		beginOffset := img.RvaToOffset(entry.BeginAddress)
		endOffset := img.RvaToOffset(entry.EndAddress)
		unwindOffset := img.RvaToOffset(entry.UnwindInfoAddress)

		valid := beginOffset != 0 && endOffset != 0 && unwindOffset != 0
		if valid {
			info := (*unwindInfoHeader)(unsafe.Pointer(&img.Buffer()[unwindOffset]))
			valid = info.version() == 1
		}

		if valid {
			continue
		}

		buf := img.Buffer()
		for i := uint32(0); i < entrySize; i++ {
			buf[offset+i] = 0
		}
	}
}
