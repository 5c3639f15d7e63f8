package resolver

import (
	"bytes"
	"encoding/binary"
	"testing"

	"go.uber.org/zap"

	"github.com/atrexus/vulkan/internal/pe"
)

const (
	testFileAlign    = 0x200
	testSectionAlign = 0x1000
)

// buildPatchImage assembles a minimal single-section, mapped-style
// PE32+ image (VirtualAddress == PointerToRawData, as a live module's
// header region is seeded) large enough to hold an indirect call site
// and its RIP-relative target, the same field-by-field way the other
// packages' tests build one.
func buildPatchImage(t *testing.T, size uint32) *pe.Image {
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

	w(pe.ImageOptionalHeader64{
		Magic:               pe.ImageNTOptionalHDRMagic,
		ImageBase:           0x140000000,
		SectionAlignment:    testSectionAlign,
		FileAlignment:       testFileAlign,
		SizeOfImage:         sectionVA + size,
		SizeOfHeaders:       testFileAlign,
		NumberOfRvaAndSizes: pe.ImageNumberOfDirectoryEntries,
	})

	var sh pe.ImageSectionHeader
	sh.SetName(".text")
	sh.VirtualSize = size
	sh.VirtualAddress = sectionVA
	sh.SizeOfRawData = size // mapped layout: raw window mirrors the virtual one
	sh.PointerToRawData = sectionVA
	sh.Characteristics = pe.ImageSCNCntCode | pe.ImageSCNMemExecute | pe.ImageSCNMemRead
	w(sh)

	out := buf.Bytes()
	total := int(sectionVA + size)
	if len(out) < total {
		out = append(out, make([]byte, total-len(out))...)
	}

	img, err := pe.NewFromBuffer(out)
	if err != nil {
		t.Fatalf("NewFromBuffer: %v", err)
	}
	return img
}

func newLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("zap.NewDevelopment: %v", err)
	}
	return logger.Sugar()
}

// TestPatchReferencesCallSite exercises step C in isolation: an
// `FF 15 disp32` indirect call site at RVA 0x2000 whose RIP-relative
// target cell holds a plausible user-mode export address recorded in
// iatMap. The disp32 operand must be rewritten to point at the new IAT
// slot instead (SPEC_FULL.md §4.5, Testable Scenario S6).
func TestPatchReferencesCallSite(t *testing.T) {
	img := buildPatchImage(t, 0x4000)
	buf := img.Buffer()

	const siteRVA = 0x2000
	const disp = int32(0x10)

	buf[siteRVA] = 0xFF
	buf[siteRVA+1] = 0x15
	binary.LittleEndian.PutUint32(buf[siteRVA+2:], uint32(disp))

	targetRVA := uint32(int64(siteRVA+6) + int64(disp))
	const exportAddr = uint64(0x00007FFE00001000)
	binary.LittleEndian.PutUint64(buf[targetRVA:], exportAddr)

	const newIatRVA = uint64(0x9000)
	iatMap := map[uint64]uint64{exportAddr: newIatRVA}

	refs := scanReferences(buf)
	patchReferences(img, refs, iatMap, newLogger(t))

	gotDisp := int32(binary.LittleEndian.Uint32(buf[siteRVA+2:]))
	wantDisp := int32(int64(newIatRVA) - int64(siteRVA+6))
	if gotDisp != wantDisp {
		t.Fatalf("disp32 = %#x, want %#x", gotDisp, wantDisp)
	}
}

// TestPatchReferencesJmpSite covers the REX jmp variant (`48 FF 25`),
// which uses a 7-byte instruction length instead of 6.
func TestPatchReferencesJmpSite(t *testing.T) {
	img := buildPatchImage(t, 0x4000)
	buf := img.Buffer()

	const siteRVA = 0x2100
	const disp = int32(0x20)

	buf[siteRVA] = 0x48
	buf[siteRVA+1] = 0xFF
	buf[siteRVA+2] = 0x25
	binary.LittleEndian.PutUint32(buf[siteRVA+3:], uint32(disp))

	targetRVA := uint32(int64(siteRVA+7) + int64(disp))
	const exportAddr = uint64(0x00007FFE00002000)
	binary.LittleEndian.PutUint64(buf[targetRVA:], exportAddr)

	const newIatRVA = uint64(0x9100)
	iatMap := map[uint64]uint64{exportAddr: newIatRVA}

	refs := scanReferences(buf)
	patchReferences(img, refs, iatMap, newLogger(t))

	gotDisp := int32(binary.LittleEndian.Uint32(buf[siteRVA+3:]))
	wantDisp := int32(int64(newIatRVA) - int64(siteRVA+7))
	if gotDisp != wantDisp {
		t.Fatalf("disp32 = %#x, want %#x", gotDisp, wantDisp)
	}
}

// TestPatchReferencesSkipsOutOfRangeTarget verifies the plausible
// user-mode code-range filter: a dereferenced value outside
// [0x00007FF000000000, 0x00007FFFFFFFFFFF] is never rewritten, even if
// it happens to collide with an iatMap key.
func TestPatchReferencesSkipsOutOfRangeTarget(t *testing.T) {
	img := buildPatchImage(t, 0x4000)
	buf := img.Buffer()

	const siteRVA = 0x2000
	const disp = int32(0x10)

	buf[siteRVA] = 0xFF
	buf[siteRVA+1] = 0x15
	binary.LittleEndian.PutUint32(buf[siteRVA+2:], uint32(disp))

	targetRVA := uint32(int64(siteRVA+6) + int64(disp))
	const outOfRangeAddr = uint64(0xAAAAAAAAAAAA0000)
	binary.LittleEndian.PutUint64(buf[targetRVA:], outOfRangeAddr)

	iatMap := map[uint64]uint64{outOfRangeAddr: 0x9000}

	origDisp := int32(binary.LittleEndian.Uint32(buf[siteRVA+2:]))

	refs := scanReferences(buf)
	patchReferences(img, refs, iatMap, newLogger(t))

	gotDisp := int32(binary.LittleEndian.Uint32(buf[siteRVA+2:]))
	if gotDisp != origDisp {
		t.Fatalf("disp32 was rewritten for an out-of-range target: got %#x, want unchanged %#x", gotDisp, origDisp)
	}
}
