// Package resolver reconstructs a dumped image's import table from the
// scattered direct references a protector leaves behind once it has
// stripped the original import directory.
package resolver

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/atrexus/vulkan/internal/pe"
	"github.com/atrexus/vulkan/internal/process"
)

const sectionName = ".vulkan"

// reference records one candidate indirect-call/jmp site found by the
// pattern scan: offset is where the disp32 operand begins relative to
// address, and length is the size of the whole instruction (needed to
// compute the RIP-relative target).
type reference struct {
	address uint32
	offset  uint32
	length  uint32
}

// candidate is one (exported function address, owning module/name)
// pair found by scanning a module's .rdata for raw pointers into an
// export table, per SPEC_FULL.md §4.5 step A.
type candidate struct {
	address uintptr
	module  string
	name    string
}

// ResolveImports rebuilds img's import directory in three steps: first
// it scans the target module's .rdata for raw pointers into any loaded
// module's export table (step A); then it adds every candidate found
// to img.Imports and recompiles a fresh ".vulkan" section holding the
// synthesized IAT (step B); then it pattern-scans the image for
// `FF 15` (call [rip+disp32]) and `48 FF 25` (jmp [rip+disp32])
// instructions and rewrites their displacement to point at the new
// IAT slot for whatever export address they used to resolve to
// (step C). Grounded on the original get_imports/resolve_imports.
func ResolveImports(img *pe.Image, target process.Module, modules []process.Module, log *zap.SugaredLogger) error {
	log.Infow("resolving import directory", "section", sectionName)

	if err := img.Refresh(); err != nil {
		return err
	}

	log.Debug("collecting all exported functions")
	candidates, err := collectCandidates(target, modules)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		img.Imports.Add(c.module, c.name, uint64(c.address))
	}

	if err := img.Imports.Recompile(img, sectionName); err != nil {
		return err
	}

	img.Imports.Clear()
	if err := img.Refresh(); err != nil {
		return err
	}

	iatMap := make(map[uint64]uint64, len(img.Imports.Imports()))
	for _, imp := range img.Imports.Imports() {
		offset := img.RvaToOffset(uint32(imp.IatRVA))
		if offset == 0 {
			continue
		}
		entry := binary.LittleEndian.Uint64(img.Buffer()[offset : offset+8])
		iatMap[entry] = imp.IatRVA
	}

	log.Debug("searching for references to the exported routines")
	refs := scanReferences(img.Buffer())
	log.Debugw("processing cross references", "count", len(refs))

	patchReferences(img, refs, iatMap, log)

	return nil
}

// collectCandidates mirrors get_imports: builds an address->export map
// across every loaded module, then scans target's .rdata section for
// raw pointer-width values that land in that map.
func collectCandidates(target process.Module, modules []process.Module) ([]candidate, error) {
	exportMap := make(map[uintptr]candidate)
	for _, mod := range modules {
		exports, err := mod.Exports()
		if err != nil {
			continue
		}
		for _, e := range exports {
			exportMap[e.Address] = candidate{address: e.Address, module: mod.Name(), name: e.Name}
		}
	}

	rdataBase, rdataSize, ok := findRdata(target)
	if !ok {
		return nil, nil
	}

	buf, err := target.Read(rdataBase, rdataSize)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for i := 0; i+8 <= len(buf); i++ {
		addr := uintptr(binary.LittleEndian.Uint64(buf[i : i+8]))
		if addr == 0 {
			continue
		}
		if c, ok := exportMap[addr]; ok {
			out = append(out, c)
		}
	}

	return out, nil
}

// findRdata locates the target module's .rdata region by reading its
// own header and walking its section table; the result is expressed
// in absolute process-address terms.
func findRdata(target process.Module) (uintptr, uint32, bool) {
	header, err := target.Read(target.Base(), 0x1000)
	if err != nil {
		return 0, 0, false
	}

	img, err := pe.NewFromBuffer(header)
	if err != nil {
		return 0, 0, false
	}

	section := img.Sections.Find(".rdata")
	if section == nil {
		return 0, 0, false
	}

	return target.Base() + uintptr(section.VirtualAddress), section.VirtualSize, true
}

// scanReferences finds every `FF 15 xx xx xx xx` and `48 FF 25 xx xx
// xx xx` byte sequence in buf, recording the disp32 field's offset and
// the full instruction length for each pattern.
func scanReferences(buf []byte) []reference {
	var refs []reference

	for i := 0; i+6 <= len(buf); i++ {
		if buf[i] == 0xFF && buf[i+1] == 0x15 {
			refs = append(refs, reference{address: uint32(i), offset: 2, length: 6})
		}
	}

	for i := 0; i+7 <= len(buf); i++ {
		if buf[i] == 0x48 && buf[i+1] == 0xFF && buf[i+2] == 0x25 {
			refs = append(refs, reference{address: uint32(i), offset: 3, length: 7})
		}
	}

	return refs
}

// patchReferences dereferences each candidate instruction's current
// RIP-relative target, checks whether it lands in a plausible
// kernel-mode-excluded user code range, and if the dereferenced value
// is a stale export address present in iatMap, rewrites the disp32 to
// point at the import's new IAT slot instead.
func patchReferences(img *pe.Image, refs []reference, iatMap map[uint64]uint64, log *zap.SugaredLogger) {
	buf := img.Buffer()

	for _, ref := range refs {
		operandOffset := ref.address + ref.offset
		if int(operandOffset)+4 > len(buf) {
			continue
		}

		instrRVA := img.OffsetToRva(ref.address)
		if instrRVA == 0 {
			continue
		}

		disp := int32(binary.LittleEndian.Uint32(buf[operandOffset : operandOffset+4]))
		nextInstructionRVA := instrRVA + ref.length
		targetRVA := uint32(int64(nextInstructionRVA) + int64(disp))

		targetOffset := img.RvaToOffset(targetRVA)
		if targetOffset == 0 || int(targetOffset)+8 > len(buf) {
			continue
		}

		exportAddr := binary.LittleEndian.Uint64(buf[targetOffset : targetOffset+8])

		// Heuristic check that the dereferenced value looks like a
		// user-mode code pointer, matching the magic range the
		// source checks (0x00007FF0_00000000..0x00007FFF_FFFFFFFF).
		if exportAddr < 0x00007FF000000000 || exportAddr > 0x00007FFFFFFFFFFF {
			continue
		}

		newIatRVA, ok := iatMap[exportAddr]
		if !ok {
			continue
		}

		newDisp := int64(newIatRVA) - int64(nextInstructionRVA)
		binary.LittleEndian.PutUint32(buf[operandOffset:operandOffset+4], uint32(int32(newDisp)))

		log.Debugw("patched instruction", "address", ref.address, "newDisplacement", newDisp)
	}
}
