package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/shellhost/internal/workermock"
)

func newWorkerMockCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "worker-mock [worker args...]",
		Short: "Run a scripted JSON-RPC worker on stdio for testing",
		Long: "Run a scripted JSON-RPC worker on stdio for testing.\n\n" +
			"Arguments meant for the real worker (app-server and its flags) are accepted and ignored,\n" +
			"so worker.binary can point at this executable with worker.args [worker-mock].",
		Args:               cobra.ArbitraryArgs,
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := workermock.ParseMode(mode)
			if err != nil {
				return err
			}
			return workermock.Run(cmd.Context(), parsed, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(workermock.ModeEcho), "answer mode: echo or silent")
	return cmd
}
