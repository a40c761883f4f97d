// Package sys reads resident memory statistics for a process.
package sys

import (
	"github.com/prometheus/procfs"
)

// MemoryStats is a single observation of how much physical memory a process
// occupies.
type MemoryStats struct {
	// RSSBytes is the current resident set size.
	RSSBytes uint64
	// PeakRSSBytes is the maximum resident set size observed since the
	// process started.
	PeakRSSBytes uint64
}

// A MemoryStatser returns memory statistics for one process. Implementations
// must be safe to call from a single goroutine at a fixed frequency; they are
// not required to be safe for concurrent use.
type MemoryStatser interface {
	Stats() (MemoryStats, error)
}

// NewSelfStatser returns a statser for the current process. It prefers the
// procfs implementation and falls back to a platform-specific one on systems
// without a /proc filesystem.
func NewSelfStatser() (MemoryStatser, error) {
	if statser, err := NewSelfProcStatser(); err == nil {
		return statser, nil
	}

	return newPlatformStatser()
}

// procStatser reads memory statistics out of /proc/<pid>/status.
type procStatser struct {
	proc procfs.Proc
}

// NewSelfProcStatser returns a procfs-backed statser for the current process.
func NewSelfProcStatser() (MemoryStatser, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, err
	}

	return &procStatser{proc}, nil
}

// NewPidProcStatser returns a procfs-backed statser for the given process id.
func NewPidProcStatser(pid int) (MemoryStatser, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, err
	}

	return &procStatser{proc}, nil
}

func (statser *procStatser) Stats() (MemoryStats, error) {
	status, err := statser.proc.NewStatus()
	if err != nil {
		return MemoryStats{}, err
	}

	// VmHWM is the resident set "high water mark". VmPeak is the peak
	// *virtual* size and would overstate what the process has in physical
	// memory.
	return MemoryStats{
		RSSBytes:     status.VmRSS,
		PeakRSSBytes: status.VmHWM,
	}, nil
}
