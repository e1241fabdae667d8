package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellhost"
	"pkt.systems/shellhost/internal/appconfig"
	"pkt.systems/shellhost/internal/router"
	"pkt.systems/shellhost/schema"
)

// callFailedError reports a well-formed error envelope.
type callFailedError struct {
	code string
}

func (e *callFailedError) Error() string {
	return "call failed: " + e.code
}

func newCallCmd() *cobra.Command {
	var cfgPath string
	var params string
	var timeout time.Duration
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "call <method>",
		Short: "Run one query or mutation and print the response envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.TrimSpace(args[0])
			rawParams, err := parseParams(params)
			if err != nil {
				return err
			}
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			serverCfg := shellhost.ConfigFromApp(cfg)
			if noWorker {
				serverCfg.Worker.Enabled = false
			}
			if timeout > 0 {
				serverCfg.RequestTimeout = timeout
			}

			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			host, err := shellhost.NewHost(ctx, serverCfg, shellhost.ServerDeps{Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := host.Close(closeCtx); err != nil {
					logger.Warn("call host close failed", "err", err)
				}
			}()

			resp := dispatchCall(ctx, host.Router, schema.HostRequest{
				RequestID: schema.RequestID(uuid.NewString()),
				Method:    method,
				Params:    rawParams,
			})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return err
			}
			if !resp.OK {
				code := "unknown"
				if resp.Error != nil {
					code = resp.Error.Code
				}
				return &callFailedError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&params, "params", "", "JSON params object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "worker request timeout (default from config)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not start the worker process")
	return cmd
}

func parseParams(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("--params is not valid JSON")
	}
	if !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("--params must be a JSON object")
	}
	return json.RawMessage(raw), nil
}

type hostRouter interface {
	HandleQuery(ctx context.Context, req schema.HostRequest) schema.HostResponse
	HandleMutation(ctx context.Context, req schema.HostRequest) schema.HostResponse
}

// dispatchCall sends the request on the surface its method is registered
// for. Unregistered methods go to the query surface, which rejects them.
func dispatchCall(ctx context.Context, rt hostRouter, req schema.HostRequest) schema.HostResponse {
	if route, ok := router.Lookup(req.Method); ok && route.Surface == router.SurfaceMutation {
		return rt.HandleMutation(ctx, req)
	}
	return rt.HandleQuery(ctx, req)
}
