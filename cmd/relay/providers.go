package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect provider health and choose the primary",
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show circuit-breaker state per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := apiClient(cmd).ProviderHealth(cmd.Context())
			if err != nil {
				return err
			}
			if len(health) == 0 {
				fmt.Println("No providers registered.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSTATE\tFAILURES\tPRIMARY\tOPEN UNTIL")
			for _, h := range health {
				primary, until := "", "-"
				if h.IsPrimary {
					primary = "*"
				}
				if h.OpenUntil != nil {
					until = h.OpenUntil.Local().Format("15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", h.ProviderID, h.State, h.ConsecutiveFailures, primary, until)
			}
			return w.Flush()
		},
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show rolling request metrics per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := apiClient(cmd).ProviderMetrics(cmd.Context())
			if err != nil {
				return err
			}
			if len(ms) == 0 {
				fmt.Println("No providers registered.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tREQUESTS\tFAILED\tSUCCESS\tAVG LATENCY\tCOST/REQ")
			for _, m := range ms {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\t%.0fms\t%.6f\n",
					m.ProviderID, m.TotalRequests, m.FailedRequests, m.SuccessRate()*100, m.AvgLatencyMs, m.CostPerRequest)
			}
			return w.Flush()
		},
	}

	primaryCmd := &cobra.Command{
		Use:   "primary <provider>",
		Short: "Designate the preferred provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).SetPrimary(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Primary provider set to %s.\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(healthCmd, metricsCmd, primaryCmd)
	return cmd
}
