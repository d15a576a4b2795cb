//go:build windows

package process

// startUnix returns when pid started, in Unix seconds, or 0 when unknown.
func startUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	return createTimeUnix(pid)
}
