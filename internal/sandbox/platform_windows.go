//go:build windows

package sandbox

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func processUsage(cmd *exec.Cmd) *Usage {
	if cmd.ProcessState == nil {
		return nil
	}
	return &Usage{
		UserTimeMs:   cmd.ProcessState.UserTime().Milliseconds(),
		SystemTimeMs: cmd.ProcessState.SystemTime().Milliseconds(),
	}
}
