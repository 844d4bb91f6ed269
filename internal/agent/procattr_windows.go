//go:build windows

package agent

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// On Windows, we use CREATE_NEW_PROCESS_GROUP.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateProcessGroup sends a graceful shutdown signal to the process
// tree. Without /F, taskkill sends WM_CLOSE, the closest Windows
// equivalent of SIGTERM.
func terminateProcessGroup(pid int) error {
	kill := exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid))
	return kill.Run()
}

// killProcessGroup force-kills the entire process tree for the given PID.
func killProcessGroup(pid int) error {
	kill := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid))
	return kill.Run()
}

func termSignal() os.Signal { return os.Kill }
