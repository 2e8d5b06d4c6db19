//go:build linux

package loop

import (
	"golang.org/x/sys/unix"

	"github.com/dendisuhubdy/ijson/internal/interfaces"
)

// pinToCPU pins the calling OS thread to cpuIdx. Failures are logged
// and otherwise ignored: affinity is a scheduling hint, not a
// correctness requirement.
func pinToCPU(cpuIdx int, logger interfaces.Logger) {
	var mask unix.CPUSet
	mask.Set(cpuIdx)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		if logger != nil {
			logger.Printf("loop: failed to set CPU affinity to %d: %v", cpuIdx, err)
		}
		return
	}
	if logger != nil {
		logger.Debugf("loop: pinned to CPU %d", cpuIdx)
	}
}
