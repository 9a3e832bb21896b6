//go:build !windows

package supervisor

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// setpgidAttr puts the child in its own process group so termination
// can reach any subprocesses it spawns, not just the direct child.
func setpgidAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup signals the negative pid (the whole process
// group) rather than just proc's pid.
func terminateProcessGroup(proc *os.Process, sig unix.Signal) error {
	if proc == nil {
		return nil
	}
	err := unix.Kill(-proc.Pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
