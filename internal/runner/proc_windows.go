//go:build windows

package runner

import "os/exec"

func configureProcess(*exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killProcessGroup(*exec.Cmd) {}
