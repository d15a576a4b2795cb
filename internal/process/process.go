// Package process holds the OS-level pieces of worker supervision: process
// group setup, process-tree termination and the worker pidfile.
package process

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Configure prepares cmd so that KillTree can reach everything it spawns.
func Configure(cmd *exec.Cmd) { configureSysProcAttr(cmd) }

// KillTree terminates the direct children of pid, then force-kills pid and its
// process group. Both steps are best-effort: processes that already exited are
// not an error. Callers confirm the exit by waiting on the process themselves.
func KillTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	if p, err := gopsproc.NewProcess(int32(pid)); err == nil {
		children, err := p.Children()
		if err != nil && !errors.Is(err, gopsproc.ErrorNoChildren) && !gone(err) {
			slog.Debug("list worker children", "pid", pid, "error", err)
		}
		for _, c := range children {
			if err := c.Terminate(); err != nil && !gone(err) {
				slog.Debug("terminate worker child", "pid", c.Pid, "error", err)
			}
		}
	}
	if err := forceKill(pid); err != nil && !gone(err) {
		return err
	}
	return nil
}

// Alive reports whether pid refers to a live (non-zombie) process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processExists(pid) && !isZombie(pid)
}

// WaitGone polls until pid is no longer alive or d elapses.
func WaitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func gone(err error) bool {
	return errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, gopsproc.ErrorProcessNotRunning)
}
