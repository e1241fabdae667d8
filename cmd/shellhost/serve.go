package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellhost"
	"pkt.systems/shellhost/internal/appconfig"
)

const stopTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noWorker bool
	var enableSSH bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and, optionally, the SSH terminal endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			serverCfg := shellhost.ConfigFromApp(cfg)
			if noWorker {
				serverCfg.Worker.Enabled = false
			}
			opts := []shellhost.ServerOption{shellhost.WithHTTP()}
			if enableSSH || cfg.SSH.Enabled {
				opts = append(opts, shellhost.WithSSH())
			}

			ctx := cmd.Context()
			server, err := shellhost.New(ctx, serverCfg, shellhost.ServerDeps{Logger: logger}, opts...)
			if err != nil {
				return err
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			waitErr := server.Wait()
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Warn("server stop failed", "err", err)
			}
			return waitErr
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not start the worker process")
	cmd.Flags().BoolVar(&enableSSH, "ssh", false, "enable the SSH terminal endpoint")
	return cmd
}
