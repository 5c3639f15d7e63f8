package exception

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/atrexus/vulkan/internal/pe"
)

const (
	fileAlign    = 0x200
	sectionAlign = 0x1000
)

// buildImage assembles a minimal single-section PE32+ buffer holding
// room in its section for an exception directory, the same way
// internal/pe's own tests do: field-by-field with encoding/binary,
// since none of the header structs carry compiler padding.
func buildImage(t *testing.T) *pe.Image {
	t.Helper()

	buf := new(bytes.Buffer)
	w := func(v any) {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}

	w(uint16(pe.ImageDOSSignature))
	w([29]uint16{})
	w(int32(0x40))

	const sizeOfOptionalHeader = 240
	w(uint32(pe.ImageNTSignature))
	w(pe.ImageFileHeader{Machine: 0x8664, NumberOfSections: 1, SizeOfOptionalHeader: sizeOfOptionalHeader})

	sectionVA := uint32(sectionAlign)
	sectionSize := uint32(fileAlign * 2)
	headerSize := uint32(fileAlign)

	w(pe.ImageOptionalHeader64{
		Magic:               pe.ImageNTOptionalHDRMagic,
		ImageBase:           0x140000000,
		SectionAlignment:    sectionAlign,
		FileAlignment:       fileAlign,
		SizeOfImage:         sectionVA + sectionSize,
		SizeOfHeaders:       headerSize,
		NumberOfRvaAndSizes: pe.ImageNumberOfDirectoryEntries,
	})

	var sh pe.ImageSectionHeader
	sh.SetName(".pdata")
	sh.VirtualSize = sectionSize
	sh.VirtualAddress = sectionVA
	sh.SizeOfRawData = sectionSize
	sh.PointerToRawData = headerSize
	sh.Characteristics = pe.ImageSCNCntInitializedData | pe.ImageSCNMemRead
	w(sh)

	out := buf.Bytes()
	total := int(headerSize + sectionSize)
	if len(out) < total {
		out = append(out, make([]byte, total-len(out))...)
	}

	img, err := pe.NewFromBuffer(out)
	if err != nil {
		t.Fatalf("NewFromBuffer: %v", err)
	}
	return img
}

func putEntry(img *pe.Image, offset uint32, begin, end, unwind uint32) {
	buf := img.Buffer()
	binary.LittleEndian.PutUint32(buf[offset:], begin)
	binary.LittleEndian.PutUint32(buf[offset+4:], end)
	binary.LittleEndian.PutUint32(buf[offset+8:], unwind)
}

func TestSanitizeKeepsValidEntry(t *testing.T) {
	img := buildImage(t)
	section := img.Sections.Find(".pdata")

	entryOffset := section.PointerToRawData
	unwindOffset := section.PointerToRawData + 0x100

	beginRVA := section.VirtualAddress
	endRVA := section.VirtualAddress + 0x10
	unwindRVA := section.VirtualAddress + 0x100

	putEntry(img, entryOffset, beginRVA, endRVA, unwindRVA)
	img.Buffer()[unwindOffset] = 1 // version = 1 in the low 3 bits

	dir := img.DataDirectory(pe.ImageDirectoryEntryException)
	dir.VirtualAddress = section.VirtualAddress
	dir.Size = uint32(pe.ImageRuntimeFunctionEntrySize)

	Sanitize(img)

	got := img.Buffer()[entryOffset : entryOffset+uint32(pe.ImageRuntimeFunctionEntrySize)]
	want := make([]byte, pe.ImageRuntimeFunctionEntrySize)
	binary.LittleEndian.PutUint32(want, beginRVA)
	binary.LittleEndian.PutUint32(want[4:], endRVA)
	binary.LittleEndian.PutUint32(want[8:], unwindRVA)

	if !bytes.Equal(got, want) {
		t.Fatalf("valid entry was modified: got %x, want %x", got, want)
	}
}

func TestSanitizeZeroesBadUnwindVersion(t *testing.T) {
	img := buildImage(t)
	section := img.Sections.Find(".pdata")

	entryOffset := section.PointerToRawData
	unwindOffset := section.PointerToRawData + 0x100

	beginRVA := section.VirtualAddress
	endRVA := section.VirtualAddress + 0x10
	unwindRVA := section.VirtualAddress + 0x100

	putEntry(img, entryOffset, beginRVA, endRVA, unwindRVA)
	img.Buffer()[unwindOffset] = 2 // version = 2, invalid

	dir := img.DataDirectory(pe.ImageDirectoryEntryException)
	dir.VirtualAddress = section.VirtualAddress
	dir.Size = uint32(pe.ImageRuntimeFunctionEntrySize)

	Sanitize(img)

	got := img.Buffer()[entryOffset : entryOffset+uint32(pe.ImageRuntimeFunctionEntrySize)]
	for i, b := range got {
		if b != 0 {
			t.Fatalf("entry byte %d = %#x, want 0 (entry with bad unwind version should be zeroed)", i, b)
		}
	}
}

func TestSanitizeZeroesUnresolvableRVA(t *testing.T) {
	img := buildImage(t)
	section := img.Sections.Find(".pdata")

	entryOffset := section.PointerToRawData

	// EndAddress points outside any section: this entry can never
	// resolve no matter what the unwind version says.
	putEntry(img, entryOffset, section.VirtualAddress, 0xFFFFFFF0, section.VirtualAddress+0x100)
	img.Buffer()[section.PointerToRawData+0x100] = 1

	dir := img.DataDirectory(pe.ImageDirectoryEntryException)
	dir.VirtualAddress = section.VirtualAddress
	dir.Size = uint32(pe.ImageRuntimeFunctionEntrySize)

	Sanitize(img)

	got := img.Buffer()[entryOffset : entryOffset+uint32(pe.ImageRuntimeFunctionEntrySize)]
	for i, b := range got {
		if b != 0 {
			t.Fatalf("entry byte %d = %#x, want 0 (unresolvable EndAddress should zero the entry)", i, b)
		}
	}
}

func TestSanitizeNoExceptionDirectory(t *testing.T) {
	img := buildImage(t)
	// DataDirectory entry is zero by default; Sanitize must be a no-op,
	// not a panic, on an image with no exception directory at all.
	Sanitize(img)
}
