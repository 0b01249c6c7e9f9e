//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// detachDaemon puts the daemon in its own process group so it outlives the shell
func detachDaemon(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
