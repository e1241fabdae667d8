//go:build !unix

package bridge

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

func processGroup(pid int) int { return 0 }

func signalGroup(proc *os.Process, _ int, _ bool) error {
	return proc.Kill()
}
