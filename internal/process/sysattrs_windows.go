//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const CREATE_NEW_PROCESS_GROUP = 0x00000200

// configureSysProcAttr gives the worker its own process group and no console window.
func configureSysProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= CREATE_NEW_PROCESS_GROUP
	cmd.SysProcAttr.HideWindow = true
}
