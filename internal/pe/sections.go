package pe

// SectionTable is a zero-copy view over the section-header array
// IMAGE_FIRST_SECTION(nt)..[count]. It holds no buffer of its own;
// every accessor re-derives the section array's address from the owning
// Image, so it stays valid across any mutation that does not itself
// move the header region (append/extend always leave the headers
// region where they were and only grow the tail of the buffer).
type SectionTable struct {
	img    *Image
	offset uint32 // file offset of the first IMAGE_SECTION_HEADER
}

// newSectionTable builds the view and realigns every section header:
// VA and SizeOfRawData are rounded down to the nearest alignment
// boundary. Protector-written images sometimes perturb alignment
// intentionally to confuse static parsers; this corrects it the same
// way the source's section_headers constructor does.
func newSectionTable(img *Image) SectionTable {
	t := SectionTable{img: img, offset: img.firstSectionOffset()}

	nt := img.NTHeaders()
	sectionAlign := nt.OptionalHeader.SectionAlignment
	fileAlign := nt.OptionalHeader.FileAlignment

	for i := uint16(0); i < t.Count(); i++ {
		s := t.At(i)
		s.VirtualAddress = alignDown(s.VirtualAddress, sectionAlign)
		s.SizeOfRawData = alignDown(s.SizeOfRawData, fileAlign)
	}

	return t
}

// Count returns the number of sections recorded in the file header.
func (t SectionTable) Count() uint16 {
	return t.img.NTHeaders().FileHeader.NumberOfSections
}

// At returns the section header at index.
func (t SectionTable) At(index uint16) *ImageSectionHeader {
	base := t.offset + uint32(index)*uint32(ImageSectionHeaderSize)
	return (*ImageSectionHeader)(t.img.ptr(base))
}

// Last returns the final section header, or nil if there are none.
func (t SectionTable) Last() *ImageSectionHeader {
	if t.Count() == 0 {
		return nil
	}
	return t.At(t.Count() - 1)
}

// First returns the first section header, or nil if there are none.
func (t SectionTable) First() *ImageSectionHeader {
	if t.Count() == 0 {
		return nil
	}
	return t.At(0)
}

// Find returns the section header named name, or nil.
func (t SectionTable) Find(name string) *ImageSectionHeader {
	for i := uint16(0); i < t.Count(); i++ {
		s := t.At(i)
		if s.NameString() == name {
			return s
		}
	}
	return nil
}

// append writes header into the slot immediately past the current
// count. The caller is responsible for incrementing NumberOfSections.
func (t SectionTable) append(header ImageSectionHeader) {
	dst := t.At(t.Count())
	*dst = header
}

// remove shifts headers [idx+1..count) down by one slot and zeroes the
// vacated tail slot. The caller is responsible for decrementing
// NumberOfSections.
func (t SectionTable) remove(idx uint16) {
	count := t.Count()
	for i := idx; i+1 < count; i++ {
		*t.At(i) = *t.At(i + 1)
	}
	if count > 0 {
		*t.At(count - 1) = ImageSectionHeader{}
	}
}
