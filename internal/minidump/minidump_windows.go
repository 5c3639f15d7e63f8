// Package minidump writes a MINIDUMP of a live process alongside the
// reconstructed image, for offline analysis in a debugger.
package minidump

import (
	"golang.org/x/sys/windows"

	"github.com/atrexus/vulkan/internal/dumperr"
	"github.com/atrexus/vulkan/internal/process"
)

var (
	moddbghelp            = windows.NewLazySystemDLL("dbghelp.dll")
	procMiniDumpWriteDump = moddbghelp.NewProc("MiniDumpWriteDump")
)

// Minidump type flags, matching the combination the original passes to
// MiniDumpWriteDump.
const (
	miniDumpWithFullMemoryInfo  = 0x00000800
	miniDumpWithHandleData      = 0x00000004
	miniDumpWithUnloadedModules = 0x00000020
	miniDumpWithThreadInfo      = 0x00001000
	miniDumpWithModuleHeaders   = 0x00080000

	minidumpType = miniDumpWithFullMemoryInfo | miniDumpWithHandleData |
		miniDumpWithUnloadedModules | miniDumpWithThreadInfo | miniDumpWithModuleHeaders
)

// NativeHandle is the minimal subset of a process this package needs: a
// native handle and PID, which the concrete Windows Process exposes via
// its exported Handle and ID methods. Since process.Process does not
// expose a raw handle in its platform-neutral contract, Write asserts
// this interface on the Process it is given.
type NativeHandle interface {
	Handle() windows.Handle
	ID() uint32
}

// Write creates a minidump of proc at path. proc must additionally
// implement NativeHandle; this is asserted at the call site since
// process.Process intentionally keeps the native handle out of its
// platform-neutral contract (SPEC_FULL.md §4.9).
func Write(proc process.Process, path string) error {
	native, ok := proc.(NativeHandle)
	if !ok {
		return dumperr.Wrap(dumperr.Unsupported, errNoNativeHandle)
	}

	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return dumperr.Wrap(dumperr.WriteFailed, err)
	}

	file, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_WRITE,
		0,
		nil,
		windows.CREATE_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return dumperr.Wrap(dumperr.WriteFailed, err)
	}
	defer windows.CloseHandle(file)

	ret, _, callErr := procMiniDumpWriteDump.Call(
		uintptr(native.Handle()),
		uintptr(native.ID()),
		uintptr(file),
		uintptr(minidumpType),
		0,
		0,
		0,
	)
	if ret == 0 {
		return dumperr.Wrap(dumperr.WriteFailed, callErr)
	}

	return nil
}

var errNoNativeHandle = unsupportedError("process implementation does not expose a native handle")

type unsupportedError string

func (e unsupportedError) Error() string { return string(e) }
