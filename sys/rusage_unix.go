//go:build unix

package sys

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// rusageStatser is the fallback for unix systems without a /proc filesystem
// (notably macOS). The peak value comes from getrusage. There is no portable
// way to read the current resident set size without cgo, so the current value
// is approximated from the Go runtime's own accounting of memory it has
// obtained from (and not returned to) the OS.
type rusageStatser struct{}

func newPlatformStatser() (MemoryStatser, error) {
	return &rusageStatser{}, nil
}

func (statser *rusageStatser) Stats() (MemoryStats, error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return MemoryStats{}, err
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MemoryStats{
		RSSBytes:     memStats.Sys - memStats.HeapReleased,
		PeakRSSBytes: maxRSSBytes(int64(rusage.Maxrss)),
	}, nil
}

// maxRSSBytes normalizes ru_maxrss, which getrusage reports in bytes on
// macOS and in kilobytes everywhere else.
func maxRSSBytes(maxrss int64) uint64 {
	if runtime.GOOS == "darwin" {
		return uint64(maxrss)
	}
	return uint64(maxrss) * 1024
}
