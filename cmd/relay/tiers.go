package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Show admission usage per tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			tiers, err := apiClient(cmd).Admission(cmd.Context())
			if err != nil {
				return err
			}
			if len(tiers) == 0 {
				fmt.Println("No tiers configured.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tLIMIT\tUSED\tREMAINING\tWINDOW\tRESETS")
			for _, t := range tiers {
				window := time.Duration(t.WindowMs) * time.Millisecond
				resets := "-"
				if !t.WindowStart.IsZero() {
					resets = t.WindowStart.Add(window).Local().Format("15:04:05")
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n", t.Tier, t.Limit, t.Used, t.Remaining, window, resets)
			}
			return w.Flush()
		},
	}
}
