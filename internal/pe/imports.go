package pe

// Import is one reconstructed or parsed import: the DLL it comes from,
// the function name, and the RVA of its IAT slot. IatRVA is provisional
// while an import accumulated by a scan (rather than parsed from an
// existing directory) has not yet been through Recompile: see
// ImportResolver step B in SPEC_FULL.md §4.5, which depends on the
// in-buffer IAT cell still carrying the old export address after the
// directory has been recompiled and the image refreshed.
type Import struct {
	ModuleName string
	ImportName string
	IatRVA     uint64
}

// ImportDirectory accumulates and emits a PE import directory. It is a
// plain value type holding no reference to any Image; every method
// that needs one takes it as an explicit parameter (SPEC_FULL.md §3,
// §9 — this removes the source's PeImage<->ImportDirectory cyclic
// ownership).
type ImportDirectory struct {
	byModule map[string][]*Import
	order    []string // insertion order of module names, for deterministic emission

	iatSize         uint32
	namesPoolSize   uint32
	descriptorsSize uint32
}

func (d *ImportDirectory) ensureInit() {
	if d.byModule == nil {
		d.byModule = make(map[string][]*Import)
	}
}

// Imports returns every accumulated import across all modules.
func (d *ImportDirectory) Imports() []*Import {
	var out []*Import
	for _, mod := range d.order {
		out = append(out, d.byModule[mod]...)
	}
	return out
}

// Clear discards every accumulated import.
func (d *ImportDirectory) Clear() {
	d.byModule = make(map[string][]*Import)
	d.order = nil
	d.recalculateSizes()
}

// Add records (module, name, iatRVA). Idempotent per (module, name):
// a second Add with the same pair is a no-op (Testable Property 7).
func (d *ImportDirectory) Add(module, name string, iatRVA uint64) {
	d.ensureInit()

	list, ok := d.byModule[module]
	if !ok {
		d.order = append(d.order, module)
	}
	for _, existing := range list {
		if existing.ImportName == name {
			return
		}
	}

	d.byModule[module] = append(list, &Import{ModuleName: module, ImportName: name, IatRVA: iatRVA})
	d.recalculateSizes()
}

// recalculateSizes mirrors the source's calculate_import_sizes, adapted
// to the layout SPEC_FULL.md §4.4 describes: per module, the IAT region
// holds one pointer-sized slot per import plus a null terminator; the
// name pool holds, per module, the ILT (same shape as the IAT region),
// then one IMAGE_IMPORT_BY_NAME + ASCIIZ name per import, then the
// module's own ASCIIZ name plus two NUL terminator bytes.
func (d *ImportDirectory) recalculateSizes() {
	d.descriptorsSize = uint32(len(d.order)+1) * uint32(ImageImportDescriptorSize)
	d.iatSize = 0
	d.namesPoolSize = 0

	for _, mod := range d.order {
		imports := d.byModule[mod]
		n := uint32(len(imports))

		d.iatSize += (n + 1) * uint32(PointerSize)
		d.namesPoolSize += (n + 1) * uint32(PointerSize) // ILT, same shape as IAT

		for _, imp := range imports {
			d.namesPoolSize += uint32(ImageImportByNameHeaderSize) + uint32(len(imp.ImportName)) + 1
		}

		d.namesPoolSize += uint32(len(mod)) + 2
	}
}

// SectionSize is the total size Recompile will request when appending
// the synthesized import section.
func (d *ImportDirectory) SectionSize() uint32 {
	return d.iatSize + d.descriptorsSize + d.namesPoolSize
}

func readCString(buf []byte, offset uint32) string {
	end := offset
	for int(end) < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[offset:end])
}

// refresh parses the import directory currently recorded in img's
// IMPORT data directory and accumulates (via the same idempotent Add
// used for synthesized imports) whatever it finds. It deliberately does
// NOT clear previously accumulated imports first: Recompile appends a
// section by calling Image.AppendSection, which itself calls Refresh,
// which calls this method while the data directories still point at
// whatever existed before Recompile's new section was wired in — if
// that reparse cleared the directory it would erase the very imports
// Recompile is in the middle of emitting. Callers that want a clean
// reparse call Clear explicitly first (mirroring the source, which
// calls import_directory()->clear() before the post-Recompile refresh).
func (d *ImportDirectory) refresh(img *Image) {
	dir := img.DataDirectory(ImageDirectoryEntryImport)
	if dir.VirtualAddress == 0 {
		return
	}

	descOffset := img.RvaToOffset(dir.VirtualAddress)
	if descOffset == 0 {
		return
	}

	for {
		desc := (*ImageImportDescriptor)(img.ptr(descOffset))
		if desc.Name == 0 {
			break
		}

		nameOffset := img.RvaToOffset(desc.Name)
		moduleName := readCString(img.buf, nameOffset)

		lookupOffset := img.RvaToOffset(desc.OriginalFirstThunk)
		if lookupOffset == 0 {
			descOffset += uint32(ImageImportDescriptorSize)
			continue
		}

		for i := uint32(0); ; i++ {
			thunk := (*ImageThunkData64)(img.ptr(lookupOffset + i*uint32(PointerSize)))
			if thunk.AddressOfData == 0 {
				break
			}

			iatRVA := uint64(desc.FirstThunk) + uint64(i)*uint64(PointerSize)

			nameFieldOffset := img.RvaToOffset(uint32(thunk.AddressOfData))
			if nameFieldOffset == 0 {
				continue
			}
			importName := readCString(img.buf, nameFieldOffset+uint32(ImageImportByNameHeaderSize))

			d.Add(moduleName, importName, iatRVA)
		}

		descOffset += uint32(ImageImportDescriptorSize)
	}
}

// Recompile appends a new section named sectionName holding the full
// IAT + descriptor array + name pool layout for every accumulated
// import, and points the IAT/IMPORT data directories at it.
func (d *ImportDirectory) Recompile(img *Image, sectionName string) error {
	section, err := img.AppendSection(sectionName, ImageSCNCntInitializedData|ImageSCNMemRead, make([]byte, d.SectionSize()))
	if err != nil {
		return err
	}

	sectionVA := section.VirtualAddress
	base := section.PointerToRawData

	iatCursor := uint32(0)
	poolCursor := d.iatSize + d.descriptorsSize

	for modIdx, mod := range d.order {
		imports := d.byModule[mod]

		descOffset := base + d.iatSize + uint32(modIdx)*uint32(ImageImportDescriptorSize)
		desc := (*ImageImportDescriptor)(img.ptr(descOffset))

		desc.FirstThunk = sectionVA + iatCursor
		desc.OriginalFirstThunk = sectionVA + poolCursor

		iltCursor := poolCursor
		poolCursor += (uint32(len(imports)) + 1) * uint32(PointerSize)

		for _, imp := range imports {
			iatSlot := (*uint64)(img.ptr(base + iatCursor))
			*iatSlot = imp.IatRVA

			iltSlot := (*ImageThunkData64)(img.ptr(base + iltCursor))
			iltSlot.AddressOfData = uint64(sectionVA + poolCursor)

			ibn := (*ImageImportByName)(img.ptr(base + poolCursor))
			ibn.Hint = 0
			copy(img.buf[base+poolCursor+uint32(ImageImportByNameHeaderSize):], imp.ImportName)

			poolCursor += uint32(ImageImportByNameHeaderSize) + uint32(len(imp.ImportName)) + 1

			iatCursor += uint32(PointerSize)
			iltCursor += uint32(PointerSize)
		}

		// Null IAT/ILT terminators for this module.
		iatCursor += uint32(PointerSize)

		desc.Name = sectionVA + poolCursor
		copy(img.buf[base+poolCursor:], mod)
		poolCursor += uint32(len(mod)) + 2
	}

	iatDir := img.DataDirectory(ImageDirectoryEntryIAT)
	iatDir.VirtualAddress = sectionVA
	iatDir.Size = d.iatSize

	importDir := img.DataDirectory(ImageDirectoryEntryImport)
	importDir.VirtualAddress = sectionVA + d.iatSize
	importDir.Size = d.descriptorsSize

	return nil
}
