package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"pkt.systems/pslog"
)

// Config describes how to start the worker.
type Config struct {
	Binary string
	Args   []string
	// Env entries (KEY=VALUE) are appended to the host environment.
	Env []string
	Dir string
}

// DefaultArgs are passed to the worker when Config.Args is nil.
var DefaultArgs = []string{"app-server", "--analytics-default-enabled"}

type process struct {
	cmd  *exec.Cmd
	log  pslog.Logger
	pgid int
}

// Spawn starts the worker in its own process group and bridges its stdio.
// The worker outlives ctx; stop it with Shutdown.
func Spawn(ctx context.Context, cfg Config, opts Options) (*Bridge, error) {
	if cfg.Binary == "" {
		return nil, newError(KindTransport, "spawn", errors.New("worker binary is required"))
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	args := cfg.Args
	if args == nil {
		args = DefaultArgs
	}
	log.Info("bridge worker start", "binary", cfg.Binary, "args", args, "dir", cfg.Dir, "env_extra", len(cfg.Env))

	cmd := exec.Command(cfg.Binary, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Error("bridge worker stdin failed", "err", err)
		return nil, newError(KindTransport, "spawn", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("bridge worker stdout failed", "err", err)
		return nil, newError(KindTransport, "spawn", fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error("bridge worker stderr failed", "err", err)
		return nil, newError(KindTransport, "spawn", fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		log.Error("bridge worker start failed", "err", err)
		return nil, newError(KindTransport, "spawn", err)
	}
	proc := &process{cmd: cmd, log: log, pgid: processGroup(cmd.Process.Pid)}
	log.Info("bridge worker started", "pid", cmd.Process.Pid)

	opts.Logger = log
	return newBridge(ctx, Pipes{Stdin: stdin, Stdout: stdout, Stderr: stderr}, proc, opts)
}

// wait reaps the worker and describes how it ended.
func (p *process) wait() error {
	err := p.cmd.Wait()
	exitCode := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Error("bridge worker wait failed", "err", err)
			return err
		}
		exitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			signal = status.Signal().String()
		}
	}
	fields := []any{"exit_code", exitCode}
	if signal != "" {
		fields = append(fields, "signal", signal)
	}
	p.log.Info("bridge worker finished", fields...)
	if signal != "" {
		return fmt.Errorf("terminated by signal %s", signal)
	}
	return fmt.Errorf("exit status %d", exitCode)
}

func (p *process) terminate() error {
	return signalGroup(p.cmd.Process, p.pgid, false)
}

func (p *process) kill() error {
	return signalGroup(p.cmd.Process, p.pgid, true)
}
