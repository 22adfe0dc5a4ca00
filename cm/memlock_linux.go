//go:build linux

package cm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// memlockDiagnostic describes RLIMIT_MEMLOCK when it may explain a failed
// verbs allocation. It returns "" when the limit is unlimited.
func memlockDiagnostic() string {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &lim); err != nil {
		return fmt.Sprintf("failed to read RLIMIT_MEMLOCK: %v", err)
	}
	if lim.Cur == ^uint64(0) {
		return ""
	}
	return fmt.Sprintf("RLIMIT_MEMLOCK is %d bytes, consider raising it with 'ulimit -l unlimited'", lim.Cur)
}
