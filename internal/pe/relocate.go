package pe

import "unsafe"

// Rebase walks the base-relocation directory and applies the delta
// between the image's current ImageBase and newBase to every recorded
// fixup, then updates OptionalHeader.ImageBase to newBase.
//
// Calling Rebase(b) and then Rebase(origBase) is a round trip: the
// second call computes the inverse delta and restores every patched
// value exactly (Testable Property 5), since delta is always derived
// from the image's current ImageBase rather than accumulated state.
func (img *Image) Rebase(newBase uint64) {
	nt := img.NTHeaders()
	delta := int64(newBase) - int64(nt.OptionalHeader.ImageBase)

	dir := img.DataDirectory(ImageDirectoryEntryBaserelOc)
	if dir.VirtualAddress != 0 && dir.Size != 0 && delta != 0 {
		img.applyRelocations(dir, delta)
	}

	// Re-derive: applyRelocations never reallocates, but NTHeaders()
	// must be fetched fresh out of caution for future changes to this
	// discipline.
	img.NTHeaders().OptionalHeader.ImageBase = newBase
}

func (img *Image) applyRelocations(dir *ImageDataDirectory, delta int64) {
	end := dir.VirtualAddress + dir.Size

	for blockRVA := dir.VirtualAddress; blockRVA < end; {
		blockOffset := img.RvaToOffset(blockRVA)
		if blockOffset == 0 {
			return
		}
		block := (*ImageBaseRelocation)(img.ptr(blockOffset))
		if block.SizeOfBlock < uint32(ImageBaseRelocationSize) {
			return
		}

		entryCount := (block.SizeOfBlock - uint32(ImageBaseRelocationSize)) / 2
		entries := (*[1 << 20]uint16)(unsafe.Add(img.ptr(blockOffset), ImageBaseRelocationSize))[:entryCount:entryCount]

		for i := 0; i < len(entries); i++ {
			entry := entries[i]
			relType := entry >> 12
			relOffset := uint32(entry & 0x0fff)

			fixupRVA := block.VirtualAddress + relOffset
			fixupOffset := img.RvaToOffset(fixupRVA)
			if fixupOffset == 0 {
				continue
			}

			switch relType {
			case ImageRelBasedAbsolute:
				// padding entry; no fixup.
			case ImageRelBasedHigh:
				p := (*uint16)(img.ptr(fixupOffset))
				*p = uint16((int32(*p) << 16 >> 16) + int32(delta>>16))
			case ImageRelBasedLow:
				p := (*uint16)(img.ptr(fixupOffset))
				*p = uint16(int32(*p) + int32(delta))
			case ImageRelBasedHighLow:
				p := (*uint32)(img.ptr(fixupOffset))
				*p = uint32(int64(int32(*p)) + delta)
			case ImageRelBasedDir64:
				p := (*uint64)(img.ptr(fixupOffset))
				*p = uint64(int64(*p) + delta)
			case ImageRelBasedHighAdj:
				if i+1 >= len(entries) {
					continue
				}
				low := entries[i+1]
				i++
				p := (*uint16)(img.ptr(fixupOffset))
				combined := (int32(*p) << 16) | int32(low)
				combined += int32(delta)
				*p = uint16(combined >> 16)
			}
		}

		blockRVA += block.SizeOfBlock
	}
}
