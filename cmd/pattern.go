package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scraper-intel/internal/training"
)

func newPatternCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pattern",
		Short: "Manages training patterns",
	}
	cmd.AddCommand(newPatternAddCmd())
	return cmd
}

func newPatternAddCmd() *cobra.Command {
	var p training.Pattern
	var patternType string
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Adds an active training pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			p.Text = args[0]
			p.Type = training.PatternType(patternType)
			p.Active = true
			created, err := appInstance.Training().Create(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd, created)
		},
	}
	cmd.Flags().StringVar(&patternType, "type", string(training.TypeSemantic), "keyword, phrase, regex or semantic")
	cmd.Flags().StringVar(&p.SignalID, "signal", "", "signal id the pattern detects")
	cmd.Flags().StringVar(&p.Industry, "industry", "", "restrict the pattern to one industry")
	return cmd
}

func newFeedbackCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:       "feedback <pattern-id> positive|negative|seen",
		Short:     "Records a verdict on a training pattern",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"positive", "negative", "seen"},
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			fb := training.Feedback{Reason: reason}
			switch strings.ToLower(args[1]) {
			case "positive":
				fb.Positive = true
			case "negative":
				fb.Negative = true
			case "seen":
			default:
				return fmt.Errorf("unknown verdict %q: want positive, negative or seen", args[1])
			}
			updated, err := appInstance.Training().RecordFeedback(cmd.Context(), args[0], fb)
			if err != nil {
				return err
			}
			return printJSON(cmd, updated)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded in the pattern history")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
