//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

func configureCommandProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalCommandProcess delivers sig to the child's whole process group so
// that shells and their spawned children go down together.
func signalCommandProcess(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		// Negative PGID targets the full process group (shell + spawned children).
		return syscall.Kill(-pgid, sig)
	}
	return cmd.Process.Signal(sig)
}

func terminateCommandProcess(cmd *exec.Cmd) error {
	return signalCommandProcess(cmd, syscall.SIGTERM)
}

func killCommandProcess(cmd *exec.Cmd) error {
	return signalCommandProcess(cmd, syscall.SIGKILL)
}

// exitSignal returns the name of the signal that ended the process, if any.
func exitSignal(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}
