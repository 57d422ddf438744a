//go:build windows

package assistant

import (
	"os"
	"os/exec"
)

// No process groups on Windows; best effort only.

func setProcessGroup(cmd *exec.Cmd) {}

func setDetached(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func terminateProcessGroup(pid int) error {
	return killProcessGroup(pid)
}
