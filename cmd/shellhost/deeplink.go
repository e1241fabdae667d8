package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"pkt.systems/shellhost/internal/deeplink"
)

func newDeeplinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deeplink <url>",
		Short: "Resolve a codex:// link to its navigation route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			route, err := deeplink.Parse(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(route)
		},
	}
}
