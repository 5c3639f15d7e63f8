// Package harvest implements the per-section page-by-page capture of a
// live module's code sections, with a disk-backed fallback for
// sections the protector has made unreadable once it no longer needs
// them (typically .reloc).
package harvest

import (
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/atrexus/vulkan/internal/pe"
	"github.com/atrexus/vulkan/internal/process"
)

// Options controls which sections the Harvester skips entirely before
// capture begins.
type Options struct {
	IgnoreSections []string
}

// Harvest populates every remaining section's raw-data window in img
// from mod, per SPEC_FULL.md §4.3: code sections are NOP-filled then
// polled page by page until fully captured or token fires; non-code
// sections are bulk-read with a disk-backed fallback for the section
// matching the base-relocation directory, and a zero-fill fallback
// otherwise.
func Harvest(img *pe.Image, mod process.Module, opts Options, token *process.CancelToken, log *zap.SugaredLogger) error {
	for idx := uint16(0); idx < img.Sections.Count(); idx++ {
		header := img.Sections.At(idx)

		if header.PointerToRawData == 0 || header.SizeOfRawData == 0 {
			continue
		}

		name := header.NameString()

		if slices.Contains(opts.IgnoreSections, name) {
			log.Debugw("ignoring section", "section", name)
			img.RemoveSection(idx)
			idx--
			continue
		}

		absolute := mod.Base() + uintptr(header.VirtualAddress)
		log.Infow("resolving section", "section", name, "address", absolute, "size", header.VirtualSize)

		if header.Characteristics&pe.ImageSCNCntCode != 0 {
			harvestCodeSection(img, mod, header, absolute, token, log)
		} else {
			harvestDataSection(img, mod, header, absolute, log)
		}
	}

	log.Debug("resolved all sections")
	return nil
}

func harvestCodeSection(img *pe.Image, mod process.Module, header *pe.ImageSectionHeader, absolute uintptr, token *process.CancelToken, log *zap.SugaredLogger) {
	buf := img.Buffer()
	ptr := header.PointerToRawData
	size := header.SizeOfRawData

	for i := uint32(0); i < size; i++ {
		buf[ptr+i] = 0x90
	}

	totalPages := header.VirtualSize / pe.PageSize
	if totalPages == 0 {
		return
	}

	captured := make(map[uint32]struct{}, totalPages)

	for !token.Requested() && uint32(len(captured)) <= totalPages {
		for page := uint32(0); page < totalPages; page++ {
			if _, ok := captured[page]; ok {
				continue
			}

			pageAddr := absolute + uintptr(page)*pe.PageSize

			regions, err := mod.Regions()
			if err != nil {
				continue
			}
			if regionNoAccess(regions, pageAddr) {
				continue
			}

			data, err := mod.Read(pageAddr, pe.PageSize)
			if err != nil {
				continue
			}

			offset := ptr + page*pe.PageSize
			copy(buf[offset:offset+pe.PageSize], data)
			captured[page] = struct{}{}

			percent := float64(len(captured)) / float64(totalPages) * 100.0
			log.Debugw("read page", "address", pageAddr, "captured", len(captured), "total", totalPages, "percent", percent)
		}

		if uint32(len(captured)) == totalPages {
			break
		}
	}
}

func regionNoAccess(regions []process.Region, addr uintptr) bool {
	for _, r := range regions {
		if addr >= r.Base && addr < r.Base+r.Size {
			return r.Protection.NoAccess()
		}
	}
	// No region covers this address: treat as inaccessible so the
	// loop retries rather than reading garbage.
	return true
}

func harvestDataSection(img *pe.Image, mod process.Module, header *pe.ImageSectionHeader, absolute uintptr, log *zap.SugaredLogger) {
	buf := img.Buffer()
	ptr := header.PointerToRawData
	size := header.SizeOfRawData

	if data, err := mod.Read(absolute, size); err == nil {
		copy(buf[ptr:ptr+size], data)
		return
	}

	relocDir := img.DataDirectory(pe.ImageDirectoryEntryBaserelOc)
	if relocDir.VirtualAddress == header.VirtualAddress && relocDir.Size == header.VirtualSize {
		if diskData, ok := readFromDisk(mod.DiskPath(), header.PointerToRawData, size); ok {
			copy(buf[ptr:ptr+size], diskData)
			return
		}
	}

	log.Warnw("failed to read section, filling with zeros", "section", header.NameString())
	for i := uint32(0); i < size; i++ {
		buf[ptr+i] = 0
	}
}

func readFromDisk(path string, offset, size uint32) ([]byte, bool) {
	if path == "" {
		return nil, false
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	data := make([]byte, size)
	if _, err := f.ReadAt(data, int64(offset)); err != nil {
		return nil, false
	}

	return data, true
}
