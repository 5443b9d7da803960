//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// Detach puts cmd in a process group of its own.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
