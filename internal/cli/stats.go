package cli

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/sazonovanton/SirChatalot-sub000/internal/commands"
)

func newStatsCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show spend, or one user's usage with --user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if cmd.Flags().Changed("user") {
				st, err := a.engine.Stats(cmd.Context(), userID)
				if err != nil {
					return err
				}
				userSpend, err := a.usage.Ledger().UserSpend(cmd.Context(), time.Now(), userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "User %d\n%s\n", userID, commands.FormatStats(st))
				if _, err := fmt.Fprintf(out, "User spend this month: $%.4f\n\n", userSpend.MonthUSD); err != nil {
					return err
				}
			}

			spend, err := a.usage.Ledger().Spend(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Spend today: $%.4f%s\n", spend.TodayUSD, limitSuffix(a.cfg.Costs.DailyLimit))
			fmt.Fprintf(out, "Spend this month: $%.4f%s\n", spend.MonthUSD, limitSuffix(a.cfg.Costs.MonthlyLimit))
			return writeKindBreakdown(out, spend.MonthByKind)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "Show usage of this user ID")
	return cmd
}

func limitSuffix(limit float64) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" (limit $%.2f)", limit)
}

func writeKindBreakdown(out io.Writer, byKind map[string]float64) error {
	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	for _, kind := range kinds {
		if _, err := fmt.Fprintf(out, "  %s: $%.4f\n", kind, byKind[kind]); err != nil {
			return err
		}
	}
	return nil
}
