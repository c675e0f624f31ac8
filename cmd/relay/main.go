package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/relay/pkg/client"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay: semantic-cache routing layer for AI completion providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addr := os.Getenv("RELAY_ADDR")
	if addr == "" {
		addr = client.DefaultBaseURL
	}
	root.PersistentFlags().String("addr", addr, "relay server base URL (env RELAY_ADDR)")

	root.AddCommand(
		newServeCmd(),
		newRouteCmd(),
		newCacheCmd(),
		newProvidersCmd(),
		newTiersCmd(),
		newStatsCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// apiClient builds a control client from the persistent --addr flag.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr, nil)
}
