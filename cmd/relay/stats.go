package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/ledger"
	"github.com/pario-ai/relay/pkg/models"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		since      time.Duration
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show routing accounting and persisted spend",
		Long: "Without flags, shows the running totals of a live relay. With --since, shows\n" +
			"spend persisted in the ledger; add --offline to read the ledger database directly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if offline {
				report, err := offlineReport(ctx, configPath, since)
				if err != nil {
					return err
				}
				return printLedgerReport(report)
			}

			if since > 0 {
				report, err := apiClient(cmd).LedgerSummary(ctx, since)
				if err != nil {
					return err
				}
				return printLedgerReport(report)
			}

			snap, err := apiClient(cmd).Accounting(ctx)
			if err != nil {
				return err
			}
			return printSnapshot(snap)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to config file (with --offline)")
	cmd.Flags().DurationVar(&since, "since", 0, "show ledger spend over this trailing window, e.g. 24h")
	cmd.Flags().BoolVar(&offline, "offline", false, "read the ledger database instead of a running relay")
	return cmd
}

func offlineReport(ctx context.Context, configPath string, since time.Duration) (models.LedgerReport, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return models.LedgerReport{}, err
	}
	led, err := ledger.New(cfg.DBPath)
	if err != nil {
		return models.LedgerReport{}, err
	}
	defer func() { _ = led.Close() }()

	if since <= 0 {
		since = 24 * time.Hour
	}
	from := time.Now().Add(-since)
	totals, err := led.Totals(ctx, from)
	if err != nil {
		return models.LedgerReport{}, err
	}
	providers, err := led.Summary(ctx, from)
	if err != nil {
		return models.LedgerReport{}, err
	}
	return models.LedgerReport{Since: from, Totals: totals, Providers: providers}, nil
}

func printSnapshot(s models.AccountingSnapshot) error {
	fmt.Printf("Requests:      %d\n", s.TotalRequests)
	fmt.Printf("Cache hits:    %d\n", s.CacheHits)
	fmt.Printf("Cache misses:  %d\n", s.CacheMisses)
	fmt.Printf("Rejected:      %d\n", s.Rejected)
	fmt.Printf("Failures:      %d\n", s.Failures)
	if s.Cancelled > 0 {
		fmt.Printf("Cancelled:     %d\n", s.Cancelled)
	}
	fmt.Printf("Cost avoided:  $%.4f\n", s.CostAvoided)
	fmt.Printf("Cost incurred: $%.4f\n", s.CostIncurred)
	if s.Dropped > 0 {
		fmt.Printf("Dropped:       %d\n", s.Dropped)
	}
	if len(s.Providers) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tREQUESTS\tSUCCESSES\tFAILURES\tAVG LATENCY\tCOST")
	for _, p := range s.Providers {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.0fms\t$%.4f\n",
			p.ProviderID, p.Requests, p.Successes, p.Failures, p.AvgLatencyMs, p.CostIncurred)
	}
	return w.Flush()
}

func printLedgerReport(r models.LedgerReport) error {
	if r.Totals.Requests == 0 {
		fmt.Println("No routed requests recorded.")
		return nil
	}
	fmt.Printf("Since %s\n\n", r.Since.Local().Format("2006-01-02 15:04"))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tREQUESTS\tSUCCESSES\tCACHE HITS\tAVG LATENCY\tAVOIDED\tINCURRED")
	for _, p := range r.Providers {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.0fms\t$%.4f\t$%.4f\n",
			p.ProviderID, p.Requests, p.Successes, p.CacheHits, p.AvgLatencyMs, p.CostAvoided, p.CostIncurred)
	}
	t := r.Totals
	fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t%.0fms\t$%.4f\t$%.4f\n",
		t.Requests, t.Successes, t.CacheHits, t.AvgLatencyMs, t.CostAvoided, t.CostIncurred)
	return w.Flush()
}
