package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the similarity cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := apiClient(cmd).CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Entries:        %d / %d\n", s.EntryCount, s.Capacity)
			fmt.Printf("Hits:           %d\n", s.Hits)
			fmt.Printf("Misses:         %d\n", s.Misses)
			fmt.Printf("Hit rate:       %.1f%%\n", s.HitRate*100)
			fmt.Printf("Avg similarity: %.3f (threshold %.2f)\n", s.AvgSimilarityOnHit, s.Threshold)
			fmt.Printf("Evictions:      %d\n", s.Evictions)
			fmt.Printf("Embed failures: %d\n", s.EmbeddingFailures)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).ClearCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("All cache entries cleared.")
			return nil
		},
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cached entries, most used first",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := apiClient(cmd).CacheEntries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Cache is empty.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tHITS\tPROVIDER\tCOST\tLAST HIT\tQUERY")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%.4f\t%s\t%s\n",
					e.QueryHash[:min(12, len(e.QueryHash))], e.HitCount, e.ProviderID, e.CostUnits,
					e.LastHitAt.Local().Format("2006-01-02T15:04:05"), truncate(e.Query, 60))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show (0 for all)")

	cmd.AddCommand(statsCmd, clearCmd, listCmd)
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
