package main

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/workermock"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	args := applyArgv0Alias(os.Args)
	root := newRootCmd()
	root.SetArgs(args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		return exitCode(ctx, args, err)
	}
	return 0
}

// exitCode maps a command error to the process exit status.
func exitCode(ctx context.Context, args []string, err error) int {
	var mockExit *workermock.ExitError
	if errors.As(err, &mockExit) {
		return mockExit.Code
	}
	var callErr *callFailedError
	if errors.As(err, &callErr) {
		return 2
	}
	if !isWorkerMockInvocation(args) {
		pslog.Ctx(ctx).With("err", err).Error("shellhost command failed")
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shellhost",
		Short:         "Desktop host core: worker bridge, terminals and local methods over HTTP and SSH",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCallCmd())
	root.AddCommand(newWorkerMockCmd())
	root.AddCommand(newDeeplinkCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func argv0Alias(base string) string {
	switch base {
	case "shellhost-worker-mock", "worker-mock":
		return "worker-mock"
	default:
		return ""
	}
}

func applyArgv0Alias(args []string) []string {
	if len(args) == 0 {
		return args
	}
	alias := argv0Alias(filepath.Base(args[0]))
	if alias == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], alias)
	out = append(out, args[1:]...)
	return out
}

func isWorkerMockInvocation(args []string) bool {
	return len(args) > 1 && args[1] == "worker-mock"
}
