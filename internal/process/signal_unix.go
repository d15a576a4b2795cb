//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// forceKill sends SIGKILL to the process group led by pid, then to pid itself
// in case it left the group.
func forceKill(pid int) error {
	groupErr := syscall.Kill(-pid, syscall.SIGKILL)
	err := syscall.Kill(pid, syscall.SIGKILL)
	if err != nil && groupErr == nil {
		return nil
	}
	return err
}

func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isZombie reports a reaped-pending child on Linux; elsewhere it is always false.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
