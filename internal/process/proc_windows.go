//go:build windows

package process

import (
	"os"
	"os/exec"
)

func configureCommandProcess(cmd *exec.Cmd) {}

// Windows has no SIGTERM for arbitrary processes; both paths kill.
func terminateCommandProcess(cmd *exec.Cmd) error {
	return killCommandProcess(cmd)
}

func killCommandProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func exitSignal(state *os.ProcessState) string {
	return ""
}
