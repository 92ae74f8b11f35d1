package cmd

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Removes expired and flagged archive entries once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Policy", "Expired", "Flagged", "Blobs", "Duration"})
			var errs []error
			for _, arch := range appInstance.Archives() {
				report, err := arch.Sweep(cmd.Context())
				if err != nil {
					appInstance.Logger().Error("archive sweep failed",
						zap.String("policy", arch.Policy().Name), zap.Error(err))
					errs = append(errs, fmt.Errorf("sweep %s: %w", arch.Policy().Name, err))
					continue
				}
				t.AppendRow(table.Row{arch.Policy().Name,
					report.Expired, report.Flagged, report.BlobsDeleted, report.Duration.String()})
			}
			t.Render()
			return errors.Join(errs...)
		},
	}
}

func newCostCmd() *cobra.Command {
	var price float64
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Estimates archive storage cost and the savings from TTL expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("price") {
				price = appInstance.Config().Archive.PricePerGBMonth
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Storage priced at $%.4f/GB-month\n", price)

			t := table.NewWriter()
			t.SetOutputMirror(out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{
				"Policy", "TTL", "Entries", "Stored GB", "Avg Bytes", "Scrapes/Entry", "Dedup Saved",
				"Monthly", "Without TTL", "Savings/Month", "Savings %", "Savings/Year",
			})
			for _, arch := range appInstance.Archives() {
				r, err := arch.EstimateCost(cmd.Context(), price)
				if err != nil {
					return fmt.Errorf("estimate %s: %w", arch.Policy().Name, err)
				}
				t.AppendRow(table.Row{
					r.Policy,
					arch.Policy().TTL.String(),
					r.Entries,
					fmt.Sprintf("%.6f", r.TotalGB),
					fmt.Sprintf("%.0f", r.AverageEntryBytes),
					fmt.Sprintf("%.1f", r.AverageScrapeCount),
					fmt.Sprintf("%d B", r.DedupSavedBytes),
					fmt.Sprintf("$%.4f", r.MonthlyCost),
					fmt.Sprintf("$%.4f (%d mo)", r.UnboundedMonthlyCost, r.ProjectionMonths),
					fmt.Sprintf("$%.4f", r.MonthlySavingsWithTTL),
					fmt.Sprintf("%.1f%%", r.SavingsPct),
					fmt.Sprintf("$%.2f", r.ProjectedAnnualSavings),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().Float64Var(&price, "price", 0, "storage price per GB-month (defaults to archive.price_per_gb_month)")
	return cmd
}
