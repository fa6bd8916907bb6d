//go:build linux

package authorize

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// setThreadPriority raises the calling OS thread's scheduling priority,
// realizing spec.md §4.5's "separate thread with higher priority than
// the general database worker" as an actual OS hint rather than a
// comment. Grounded on sibling pack repo arzzra-soft_phone's pattern of
// OS-specific socket/scheduling tuning behind a Linux build tag.
//
// New calls this once, on the goroutine that constructs the Worker. That
// goroutine is not pinned to its OS thread (there is no
// runtime.LockOSThread), so the hint lands on whichever OS thread ran New,
// not necessarily the one that later serves FindEndpoint queries.
func setThreadPriority() {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, -5); err != nil {
		slog.Warn("authorize: failed to raise thread priority", "error", err)
	}
}
