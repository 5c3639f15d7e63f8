package harvest

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/atrexus/vulkan/internal/pe"
)

const (
	testFileAlign    = 0x200
	testSectionAlign = 0x1000
)

// buildTestImage assembles a minimal single-section PE32+ buffer with
// one section of the given characteristics and virtual size, laid out
// the same field-by-field way internal/pe's own tests do.
func buildTestImage(t *testing.T, characteristics uint32, virtualSize uint32) *pe.Image {
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

	sectionVA := uint32(testSectionAlign)
	rawSize := uint32(((virtualSize + testFileAlign - 1) / testFileAlign) * testFileAlign)
	headerSize := uint32(testFileAlign)

	w(pe.ImageOptionalHeader64{
		Magic:               pe.ImageNTOptionalHDRMagic,
		ImageBase:           0x140000000,
		SectionAlignment:    testSectionAlign,
		FileAlignment:       testFileAlign,
		SizeOfImage:         sectionVA + virtualSize,
		SizeOfHeaders:       headerSize,
		NumberOfRvaAndSizes: pe.ImageNumberOfDirectoryEntries,
	})

	var sh pe.ImageSectionHeader
	sh.SetName(".text")
	sh.VirtualSize = virtualSize
	sh.VirtualAddress = sectionVA
	sh.SizeOfRawData = rawSize
	sh.PointerToRawData = headerSize
	sh.Characteristics = characteristics
	w(sh)

	out := buf.Bytes()
	total := int(headerSize + rawSize)
	if len(out) < total {
		out = append(out, make([]byte, total-len(out))...)
	}

	img, err := pe.NewFromBuffer(out)
	if err != nil {
		t.Fatalf("NewFromBuffer: %v", err)
	}
	return img
}
