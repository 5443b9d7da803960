//go:build !windows

// Package procgroup starts the server daemon outside the CLI's process group,
// so a Ctrl+C in the launching terminal does not reach it.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Detach puts cmd in a process group of its own.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
