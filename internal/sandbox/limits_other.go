//go:build !linux

package sandbox

import "os"

func limitedCommand(path string, args []string, _ uint64) (string, []string, bool) {
	return path, args, false
}

// Without prlimit the ceiling is enforced only by the peak RSS check,
// which needs rusage this platform does not report uniformly.
func limitMemory(int, uint64) error { return nil }

func peakRSS(*os.ProcessState) uint64 { return 0 }
