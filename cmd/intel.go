package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scraper-intel/internal/versioning"
)

func newSeedIntelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-intel <file.yaml>...",
		Short: "Loads research intelligence definitions into the store",
		Long: `Each file may hold several YAML documents, one per industry. Loading an
industry that already exists replaces it and bumps its version.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.SeedIntel(cmd.Context(), args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d file(s)\n", len(args))
			return nil
		},
	}
}

func newChangelogCmd() *cobra.Command {
	var (
		out   string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Renders the training data changelog as markdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			cl, err := appInstance.Versioning().GenerateChangelog(cmd.Context(), from)
			if err != nil {
				return fmt.Errorf("generate changelog: %w", err)
			}
			md := versioning.RenderMarkdown(cl)
			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), md)
				return err
			}
			if err := os.WriteFile(out, []byte(md), 0o644); err != nil {
				return fmt.Errorf("write changelog: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s\n", len(cl.Entries), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write markdown to this file instead of stdout")
	cmd.Flags().DurationVar(&since, "since", 0, "only include changes newer than this (e.g. 168h)")
	return cmd
}
