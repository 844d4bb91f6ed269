//go:build unix && !linux

package agent

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// Pdeathsig is Linux-specific; on macOS/BSD orphan cleanup relies on
// explicit Stop() calls.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the entire process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup kills the entire process group for the given PID.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func termSignal() os.Signal { return syscall.SIGTERM }
