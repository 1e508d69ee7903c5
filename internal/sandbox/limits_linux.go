//go:build linux

package sandbox

import (
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// shellPath runs the ulimit wrapper. Without it the ceiling falls back to
// prlimit on the started process.
var shellPath = "/bin/sh"

// limitedCommand wraps path so the address-space ceiling is in force
// before the program's first instruction: the shell lowers its own
// limit and execs in place, keeping the pid. wrapped is false when the
// caller has to apply the ceiling itself.
func limitedCommand(path string, args []string, limit uint64) (name string, argv []string, wrapped bool) {
	if limit == 0 {
		return path, args, false
	}
	if _, err := os.Stat(shellPath); err != nil {
		return path, args, false
	}
	kib := strconv.FormatUint((limit+1023)/1024, 10)
	script := `ulimit -v ` + kib + ` || exit 126; exec "$0" "$@"`
	argv = append([]string{args[0], "-c", script, path}, args[1:]...)
	return shellPath, argv, true
}

// limitMemory caps the address space of a started process.
func limitMemory(pid int, limit uint64) error {
	if limit == 0 {
		return nil
	}
	rl := unix.Rlimit{Cur: limit, Max: limit}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil)
}

// peakRSS returns the maximum resident set size of an exited process in
// bytes. Linux reports ru_maxrss in kilobytes.
func peakRSS(ps *os.ProcessState) uint64 {
	if ps == nil {
		return 0
	}
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru.Maxrss > 0 {
		return uint64(ru.Maxrss) * 1024
	}
	return 0
}
