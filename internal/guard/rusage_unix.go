//go:build unix

package guard

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RusageSampler reports the peak resident set size of the process.
type RusageSampler struct{}

func (RusageSampler) Sample() (uint64, bool) {
	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err != nil {
		return 0, false
	}
	if usage.Maxrss <= 0 {
		return 0, false
	}
	maxrss := uint64(usage.Maxrss)
	// Linux reports kilobytes, darwin reports bytes.
	if runtime.GOOS != "darwin" && runtime.GOOS != "ios" {
		maxrss *= 1024
	}
	return maxrss, true
}
