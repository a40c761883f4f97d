//go:build windows

package sys

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

type windowsStatser struct {
	psapi *windows.LazyDLL
}

func newPlatformStatser() (MemoryStatser, error) {
	return &windowsStatser{
		psapi: windows.NewLazySystemDLL("psapi.dll"),
	}, nil
}

// PROCESS_MEMORY_COUNTERS structure for GetProcessMemoryInfo
type processMemoryCounters struct {
	CB                         uint32
	PageFaultCount             uint32
	PeakWorkingSetSize         uintptr
	WorkingSetSize             uintptr
	QuotaPeakPagedPoolUsage    uintptr
	QuotaPagedPoolUsage        uintptr
	QuotaPeakNonPagedPoolUsage uintptr
	QuotaNonPagedPoolUsage     uintptr
	PagefileUsage              uintptr
	PeakPagefileUsage          uintptr
}

func (statser *windowsStatser) Stats() (MemoryStats, error) {
	getProcessMemoryInfo := statser.psapi.NewProc("GetProcessMemoryInfo")

	var counters processMemoryCounters
	counters.CB = uint32(unsafe.Sizeof(counters))

	r1, _, err := getProcessMemoryInfo.Call(
		uintptr(windows.CurrentProcess()),
		uintptr(unsafe.Pointer(&counters)),
		uintptr(unsafe.Sizeof(counters)),
	)
	if r1 == 0 { // returns non-zero on success
		return MemoryStats{}, err
	}

	return MemoryStats{
		RSSBytes:     uint64(counters.WorkingSetSize),
		PeakRSSBytes: uint64(counters.PeakWorkingSetSize),
	}, nil
}
