package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/logging"
	"github.com/pario-ai/relay/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the relay control API as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol, so logs go to a file or nowhere.
			logger := zap.NewNop()
			if logFile != "" {
				l, err := logging.New(config.LogConfig{Level: "debug", Format: "json", File: logFile})
				if err != nil {
					return err
				}
				logger = l
				defer func() { _ = logger.Sync() }()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := mcp.New(apiClient(cmd), version, logger)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&logFile, "log-file", "", "write debug logs to this file")
	return cmd
}
