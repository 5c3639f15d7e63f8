package pe

import "errors"

var (
	errShortBuffer      = errors.New("buffer too small to contain a DOS header")
	errBadDOSSignature  = errors.New("missing MZ signature")
	errBadNTOffset      = errors.New("e_lfanew points outside the buffer")
	errBadNTSignature   = errors.New("missing PE00 signature")
	errBadOptionalMagic = errors.New("optional header is not PE32+")
	errAlignmentUnset   = errors.New("FileAlignment or SectionAlignment is zero")
	errSectionNotFound  = errors.New("section not found")
	errNoHeaderRoom     = errors.New("no room in the header region for another section header")
)
