//go:build unix

package terminal

import (
	"os"

	"golang.org/x/sys/unix"
)

// killGroup kills the shell and everything in its session; the PTY start
// made the shell a process group leader.
func killGroup(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err == nil || err == unix.ESRCH {
		return nil
	}
	return proc.Kill()
}
