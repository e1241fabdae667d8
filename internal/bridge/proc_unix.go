//go:build unix

package bridge

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func processGroup(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

func signalGroup(proc *os.Process, pgid int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if pgid > 0 {
		if err := unix.Kill(-pgid, sig); err == nil || err == unix.ESRCH {
			return nil
		}
	}
	return proc.Signal(sig)
}
