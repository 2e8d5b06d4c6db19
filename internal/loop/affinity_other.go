//go:build !linux

package loop

import "github.com/dendisuhubdy/ijson/internal/interfaces"

// pinToCPU is a no-op outside Linux; CPU affinity has no portable
// equivalent here.
func pinToCPU(cpuIdx int, logger interfaces.Logger) {}
