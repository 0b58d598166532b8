//go:build !windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so the whole
// tree can be killed at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the child's entire process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// processUsage extracts rusage metrics from a completed command.
func processUsage(cmd *exec.Cmd) *Usage {
	if cmd.ProcessState == nil {
		return nil
	}
	rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return nil
	}
	return &Usage{
		UserTimeMs:   rusage.Utime.Sec*1000 + int64(rusage.Utime.Usec)/1000,
		SystemTimeMs: rusage.Stime.Sec*1000 + int64(rusage.Stime.Usec)/1000,
		// Maxrss is KB on Linux, bytes on macOS. Report Linux semantics.
		MaxRSSBytes: rusage.Maxrss * 1024,
	}
}
