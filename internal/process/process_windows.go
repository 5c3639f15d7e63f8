package process

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/atrexus/vulkan/internal/dumperr"
	"github.com/atrexus/vulkan/internal/pe"
)

var (
	modpsapi                   = windows.NewLazySystemDLL("psapi.dll")
	procGetModuleFileNameExW   = modpsapi.NewProc("GetModuleFileNameExW")
)

// winProcess is the concrete Windows implementation of Process.
type winProcess struct {
	handle windows.Handle
	pid    uint32
}

// OpenByName opens the first running process whose image name matches
// name (case-insensitive), via a CreateToolhelp32Snapshot walk. It
// requires PROCESS_VM_READ|PROCESS_QUERY_INFORMATION, not
// PROCESS_ALL_ACCESS: the dumper never writes to the target.
func OpenByName(ctx context.Context, name string) (Process, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, dumperr.Wrap(dumperr.AccessDenied, err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	for err := windows.Process32First(snap, &entry); err == nil; err = windows.Process32Next(snap, &entry) {
		exeName := windows.UTF16ToString(entry.ExeFile[:])
		if !strings.EqualFold(exeName, name) {
			continue
		}

		handle, err := windows.OpenProcess(windows.PROCESS_VM_READ|windows.PROCESS_QUERY_INFORMATION, false, entry.ProcessID)
		if err != nil {
			return nil, dumperr.Wrap(dumperr.AccessDenied, err)
		}

		return &winProcess{handle: handle, pid: entry.ProcessID}, nil
	}

	return nil, dumperr.Wrap(dumperr.NotFound, fmt.Errorf("no running process named %q", name))
}

// WaitForName polls OpenByName every 100ms until the process appears,
// the context is cancelled, or token is triggered (SPEC_FULL.md §6's
// -w/--wait semantics).
func WaitForName(ctx context.Context, name string, token *CancelToken) (Process, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p, err := OpenByName(ctx, name); err == nil {
			return p, nil
		}

		select {
		case <-ctx.Done():
			return nil, dumperr.Wrap(dumperr.Cancelled, ctx.Err())
		case <-ticker.C:
			if token != nil && token.Requested() {
				return nil, dumperr.Wrap(dumperr.Cancelled, nil)
			}
		}
	}
}

func (p *winProcess) ID() uint32 { return p.pid }

// Handle exposes the native process handle for callers that assert the
// minidump.NativeHandle interface; it is deliberately absent from the
// Process contract itself (SPEC_FULL.md §4.9).
func (p *winProcess) Handle() windows.Handle { return p.handle }

func (p *winProcess) Close() error {
	return windows.CloseHandle(p.handle)
}

func (p *winProcess) MainModule() (Module, error) {
	mods, err := p.Modules()
	if err != nil {
		return nil, err
	}
	if len(mods) == 0 {
		return nil, dumperr.Wrap(dumperr.NotFound, fmt.Errorf("process %d has no modules", p.pid))
	}
	return mods[0], nil
}

func (p *winProcess) Modules() ([]Module, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, p.pid)
	if err != nil {
		return nil, dumperr.Wrap(dumperr.AccessDenied, err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var mods []Module
	for err := windows.Module32First(snap, &entry); err == nil; err = windows.Module32Next(snap, &entry) {
		mods = append(mods, &winModule{
			process: p,
			name:    windows.UTF16ToString(entry.Module[:]),
			path:    windows.UTF16ToString(entry.ExePath[:]),
			base:    entry.ModBaseAddr,
			size:    uintptr(entry.ModBaseSize),
		})
	}

	if len(mods) == 0 {
		return nil, dumperr.Wrap(dumperr.NotFound, fmt.Errorf("no modules enumerated for process %d", p.pid))
	}

	return mods, nil
}

// winModule is the concrete Windows implementation of Module.
type winModule struct {
	process *winProcess
	name    string
	path    string
	base    uintptr
	size    uintptr
}

func (m *winModule) Name() string  { return m.name }
func (m *winModule) Path() string  { return m.path }
func (m *winModule) Base() uintptr { return m.base }
func (m *winModule) Size() uintptr { return m.size }

func (m *winModule) Regions() ([]Region, error) {
	var regions []Region

	addr := m.base
	end := m.base + m.size

	for addr < end {
		var info windows.MemoryBasicInformation
		if err := windows.VirtualQueryEx(m.process.handle, addr, &info, unsafe.Sizeof(info)); err != nil {
			return regions, dumperr.Wrap(dumperr.IoRead, err)
		}

		regions = append(regions, Region{
			Base:       info.BaseAddress,
			Size:       info.RegionSize,
			Protection: protectionOf(info.Protect),
		})

		if info.RegionSize == 0 {
			break
		}
		addr = info.BaseAddress + info.RegionSize
	}

	return regions, nil
}

func protectionOf(winProtect uint32) Protection {
	const pageNoAccess = 0x01
	if winProtect&pageNoAccess != 0 {
		return ProtectNoAccess
	}
	return 0
}

func (m *winModule) Read(addr uintptr, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	var n uintptr
	if err := windows.ReadProcessMemory(m.process.handle, addr, &buf[0], uintptr(length), &n); err != nil {
		return nil, dumperr.Wrap(dumperr.IoRead, err)
	}
	if n != uintptr(length) {
		return nil, dumperr.Wrap(dumperr.IoRead, fmt.Errorf("short read: got %d of %d bytes", n, length))
	}
	return buf, nil
}

func (m *winModule) Exports() ([]Export, error) {
	header, err := m.Read(m.base, 0x1000)
	if err != nil {
		return nil, err
	}

	img, err := pe.NewFromBuffer(header)
	if err != nil {
		return nil, err
	}

	dir := img.DataDirectory(pe.ImageDirectoryEntryExport)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}

	expDirBuf, err := m.Read(m.base+uintptr(dir.VirtualAddress), uint32(unsafe.Sizeof(pe.ImageExportDirectory{})))
	if err != nil {
		return nil, err
	}
	exp := (*pe.ImageExportDirectory)(unsafe.Pointer(&expDirBuf[0]))

	namesBuf, err := m.Read(m.base+uintptr(exp.AddressOfNames), exp.NumberOfNames*4)
	if err != nil {
		return nil, err
	}
	ordinalsBuf, err := m.Read(m.base+uintptr(exp.AddressOfNameOrdinals), exp.NumberOfNames*2)
	if err != nil {
		return nil, err
	}
	funcsBuf, err := m.Read(m.base+uintptr(exp.AddressOfFunctions), exp.NumberOfFunctions*4)
	if err != nil {
		return nil, err
	}

	var out []Export
	for i := uint32(0); i < exp.NumberOfNames; i++ {
		nameRVA := beUint32At(namesBuf, i*4)
		ordinal := beUint16At(ordinalsBuf, i*2)
		if uint32(ordinal) >= exp.NumberOfFunctions {
			continue
		}
		funcRVA := beUint32At(funcsBuf, uint32(ordinal)*4)
		if funcRVA == 0 {
			continue
		}

		nameBytes, err := m.Read(m.base+uintptr(nameRVA), 256)
		if err != nil {
			continue
		}
		name := cStringOf(nameBytes)

		out = append(out, Export{Address: m.base + uintptr(funcRVA), Name: name})
	}

	return out, nil
}

func beUint32At(b []byte, off uint32) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func beUint16At(b []byte, off uint32) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func cStringOf(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (m *winModule) DiskPath() string {
	if m.path != "" {
		return m.path
	}

	buf := make([]uint16, windows.MAX_PATH)
	ret, _, _ := procGetModuleFileNameExW.Call(
		uintptr(m.process.handle),
		m.base, // a module's HMODULE is its load address
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
	)
	if ret == 0 {
		return ""
	}
	return windows.UTF16ToString(buf)
}
