package pe

import (
	"os"
	"unsafe"

	"github.com/atrexus/vulkan/internal/dumperr"
)

// Image is an in-memory mutable PE32+ file. It owns the byte buffer
// exclusively. ImportDirectory holds no reference to the Image and takes
// it explicitly in every method that needs it; SectionTable keeps a
// pointer to the Image (not to its buffer) and re-derives every header
// address from the current buffer, so neither is left with a stale
// pointer after a buffer resize.
type Image struct {
	buf []byte

	// Sections is the view over the current section-header array.
	// Re-derived by Refresh after every mutation.
	Sections SectionTable

	// Imports is the parsed-or-accumulated import directory. Like
	// Sections, it is a plain value re-derived by Refresh; callers
	// that want to synthesize new imports call Imports.Add directly
	// and then Imports.Recompile(img, name).
	Imports ImportDirectory
}

// NewFromBuffer wraps an existing byte slice (e.g. a file already read
// from disk, or a module's header region copied out of a live process)
// as an Image and runs Refresh over it.
func NewFromBuffer(buf []byte) (*Image, error) {
	img := &Image{buf: buf}
	if err := img.Refresh(); err != nil {
		return nil, err
	}
	return img, nil
}

// NewFromModule allocates a buffer of the given size (the module's
// mapped size) and seeds it with header bytes already read from the
// live process; everything past the header starts zeroed and is later
// populated by the harvester.
func NewFromModule(size uint32, header []byte) (*Image, error) {
	buf := make([]byte, size)
	copy(buf, header)
	return NewFromBuffer(buf)
}

// Buffer returns the backing byte slice. Callers that retain it across
// a mutating call (AppendSection, ExtendSection) must re-fetch it
// afterward: those calls may reallocate.
func (img *Image) Buffer() []byte { return img.buf }

func (img *Image) ptr(offset uint32) unsafe.Pointer {
	return unsafe.Pointer(&img.buf[offset])
}

// DOSHeader returns a fresh view of the DOS header. Never retain this
// pointer across a mutation.
func (img *Image) DOSHeader() *ImageDOSHeader {
	return (*ImageDOSHeader)(img.ptr(0))
}

// NTHeaders returns a fresh view of the NT headers.
func (img *Image) NTHeaders() *ImageNTHeaders64 {
	dos := img.DOSHeader()
	return (*ImageNTHeaders64)(img.ptr(uint32(dos.AddressOfNewEXEHeader)))
}

// firstSectionOffset computes IMAGE_FIRST_SECTION via the recorded
// optional-header size rather than sizeof(ImageNTHeaders64), so images
// whose optional header was written shorter or longer than the full
// 16-directory layout are still walked correctly.
func (img *Image) firstSectionOffset() uint32 {
	dos := img.DOSHeader()
	ntOffset := uint32(dos.AddressOfNewEXEHeader)
	return ntOffset + 4 + uint32(unsafe.Sizeof(ImageFileHeader{})) + uint32(img.NTHeaders().FileHeader.SizeOfOptionalHeader)
}

// DataDirectory returns the id'th data directory entry of the optional
// header.
func (img *Image) DataDirectory(id int) *ImageDataDirectory {
	nt := img.NTHeaders()
	return &nt.OptionalHeader.DataDirectory[id]
}

// Refresh revalidates the DOS/NT/optional-header signatures, rebuilds
// the SectionTable view (which realigns section headers as a side
// effect, see SectionTable), lets ImportDirectory re-parse the current
// on-disk import structure, and recomputes the checksum. It returns a
// Malformed error if any structural signature check fails.
func (img *Image) Refresh() error {
	if len(img.buf) < int(unsafe.Sizeof(ImageDOSHeader{})) {
		return dumperr.Wrap(dumperr.Malformed, errShortBuffer)
	}

	dos := img.DOSHeader()
	if dos.Magic != ImageDOSSignature {
		return dumperr.Wrap(dumperr.Malformed, errBadDOSSignature)
	}

	lfanew := uint32(dos.AddressOfNewEXEHeader)
	if lfanew == 0 || int(lfanew)+int(unsafe.Sizeof(ImageNTHeaders64{})) > len(img.buf) {
		return dumperr.Wrap(dumperr.Malformed, errBadNTOffset)
	}

	nt := img.NTHeaders()
	if nt.Signature != ImageNTSignature {
		return dumperr.Wrap(dumperr.Malformed, errBadNTSignature)
	}

	img.Sections = newSectionTable(img)

	if nt.OptionalHeader.Magic != ImageNTOptionalHDRMagic {
		return dumperr.Wrap(dumperr.Malformed, errBadOptionalMagic)
	}

	img.Imports.refresh(img)

	nt.OptionalHeader.CheckSum = Checksum(img.buf)

	return nil
}

// RvaToOffset performs a linear scan of the section table and returns
// the file offset corresponding to rva, or 0 if no section contains it
// (matching the header region's identity mapping for rva < SizeOfHeaders
// is intentionally not special-cased, mirroring the source behavior).
func (img *Image) RvaToOffset(rva uint32) uint32 {
	for i := uint16(0); i < img.Sections.Count(); i++ {
		s := img.Sections.At(i)
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return s.PointerToRawData + (rva - s.VirtualAddress)
		}
	}
	return 0
}

// OffsetToRva is the symmetric inverse of RvaToOffset over the raw-data
// window of each section.
func (img *Image) OffsetToRva(offset uint32) uint32 {
	for i := uint16(0); i < img.Sections.Count(); i++ {
		s := img.Sections.At(i)
		if offset >= s.PointerToRawData && offset < s.PointerToRawData+s.SizeOfRawData {
			return s.VirtualAddress + (offset - s.PointerToRawData)
		}
	}
	return 0
}

// AppendSection lays out a new section after the last existing one,
// inserts data into the buffer, and updates every NT header field the
// new section affects, then runs Refresh. See SPEC_FULL.md §4.1 and
// DESIGN.md for why SizeOfRawData is exactly align(len(data), FileAlignment)
// rather than that plus len(data).
func (img *Image) AppendSection(name string, characteristics uint32, data []byte) (*ImageSectionHeader, error) {
	nt := img.NTHeaders()
	fileAlign := nt.OptionalHeader.FileAlignment
	sectionAlign := nt.OptionalHeader.SectionAlignment
	if fileAlign == 0 || sectionAlign == 0 {
		return nil, dumperr.Wrap(dumperr.AlignmentUnset, errAlignmentUnset)
	}

	// The new header slot must fit in the header region, ahead of the
	// first section's raw data.
	slotEnd := img.firstSectionOffset() + uint32(img.Sections.Count()+1)*uint32(ImageSectionHeaderSize)
	if first := img.Sections.First(); first != nil && first.PointerToRawData != 0 && slotEnd > first.PointerToRawData {
		return nil, dumperr.Wrap(dumperr.Malformed, errNoHeaderRoom)
	}

	afile := align(uint32(len(data)), fileAlign)

	last := img.Sections.Last()

	var header ImageSectionHeader
	header.SetName(name)
	header.SizeOfRawData = afile
	header.VirtualSize = uint32(len(data))
	header.Characteristics = characteristics
	header.VirtualAddress = align(last.VirtualAddress+last.VirtualSize, sectionAlign)
	header.PointerToRawData = align(last.PointerToRawData+last.SizeOfRawData, fileAlign)

	// Grow the buffer so [PointerToRawData, PointerToRawData+afile) exists,
	// then append the section header slot and splice in the data.
	newEnd := int(header.PointerToRawData) + int(afile)
	if newEnd > len(img.buf) {
		img.buf = append(img.buf, make([]byte, newEnd-len(img.buf))...)
	}
	copy(img.buf[header.PointerToRawData:], data)

	img.Sections.append(header)

	nt = img.NTHeaders() // re-derive: append may have reallocated buf
	nt.OptionalHeader.SizeOfImage += afile
	nt.FileHeader.NumberOfSections++
	nt.OptionalHeader.SizeOfHeaders += uint32(ImageSectionHeaderSize)
	if characteristics&ImageSCNCntCode != 0 {
		nt.OptionalHeader.SizeOfCode += uint32(len(data))
	}

	if err := img.Refresh(); err != nil {
		return nil, err
	}
	return img.Sections.Find(name), nil
}

// ExtendSection grows an existing section's raw and virtual size by
// delta zero bytes, splicing the new bytes in immediately after its
// current raw-data window.
func (img *Image) ExtendSection(name string, delta uint32) (*ImageSectionHeader, error) {
	section := img.Sections.Find(name)
	if section == nil {
		return nil, dumperr.Wrap(dumperr.NotFound, errSectionNotFound)
	}

	nt := img.NTHeaders()
	fileAlign := nt.OptionalHeader.FileAlignment
	sectionAlign := nt.OptionalHeader.SectionAlignment
	if fileAlign == 0 || sectionAlign == 0 {
		return nil, dumperr.Wrap(dumperr.AlignmentUnset, errAlignmentUnset)
	}

	oldSize := section.SizeOfRawData
	insertAt := int(section.PointerToRawData) + int(oldSize)

	section.SizeOfRawData = align(section.SizeOfRawData+delta, fileAlign)
	section.VirtualSize = align(section.VirtualSize+delta, sectionAlign)
	nt.OptionalHeader.SizeOfImage = align(nt.OptionalHeader.SizeOfImage+delta, sectionAlign)

	padding := make([]byte, delta)
	img.buf = append(img.buf[:insertAt], append(padding, img.buf[insertAt:]...)...)

	if err := img.Refresh(); err != nil {
		return nil, err
	}
	return img.Sections.Find(name), nil
}

// RemoveSection drops the section header at idx, shifting subsequent
// headers down one slot. The raw bytes themselves are left in the
// buffer unreferenced; the file remains loadable.
func (img *Image) RemoveSection(idx uint16) {
	img.Sections.remove(idx)
	nt := img.NTHeaders()
	nt.FileHeader.NumberOfSections--
}

// SaveToFile writes the buffer byte-for-byte to path.
func (img *Image) SaveToFile(path string) error {
	if err := os.WriteFile(path, img.buf, 0o644); err != nil {
		return dumperr.Wrap(dumperr.WriteFailed, err)
	}
	return nil
}
