package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRouteCmd() *cobra.Command {
	var (
		tier string
		raw  bool
	)

	cmd := &cobra.Command{
		Use:   "route <query>",
		Short: "Send a query through a running relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient(cmd).Route(cmd.Context(), args[0], tier)
			if err != nil {
				return err
			}
			if raw {
				_, err := fmt.Fprintln(os.Stdout, string(resp.Payload))
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "caller tier (defaults to the configured default tier)")
	cmd.Flags().BoolVar(&raw, "raw", false, "print only the provider payload")
	return cmd
}
