//go:build !unix

package terminal

import "os"

func killGroup(proc *os.Process) error {
	return proc.Kill()
}
