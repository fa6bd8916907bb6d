//go:build !linux

package authorize

// setThreadPriority is a no-op outside Linux; golang.org/x/sys/unix's
// Setpriority has no portable equivalent this package reaches for.
func setThreadPriority() {}
