package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/evolab/harness/internal/storage"
)

var (
	historyLimit     int
	historyAnomalies bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent evolution history",
	Long:  `Show recent evolution cycles (or anomalies with --anomalies), newest first.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		store, _, logCloser, err := setup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer logCloser.Close()

		history, err := storage.Open(store.GetString("files.database", "data/harness.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open history: %v\n", err)
			os.Exit(1)
		}
		defer history.Close()

		if historyAnomalies {
			printAnomalies(ctx, history)
			return
		}
		printEvolutions(ctx, history)
	},
}

func printEvolutions(ctx context.Context, history *storage.Store) {
	records, err := history.ListRecords(ctx, historyLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Evolution History ==="))
	if len(records) == 0 {
		fmt.Printf("  %s\n\n", gray("No evolution cycles recorded"))
		return
	}

	for _, rec := range records {
		icon := green("●")
		switch rec.Outcome {
		case storage.OutcomeRejected:
			icon = red("✗")
		case storage.OutcomeSkippedUnhealthy:
			icon = yellow("⚠")
		}

		fmt.Printf("  %s #%d %s %s %s\n", icon, rec.SequenceNumber, rec.Outcome,
			gray(rec.Timestamp.Format(time.RFC3339)),
			gray(rec.CycleDuration.Round(time.Millisecond).String()))
		if len(rec.ValidationErrors) > 0 {
			fmt.Printf("      %s\n", strings.Join(rec.ValidationErrors, "; "))
		}
	}
	fmt.Println()
}

func printAnomalies(ctx context.Context, history *storage.Store) {
	records, err := history.ListAnomalies(ctx, historyLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Anomalies ==="))
	if len(records) == 0 {
		fmt.Printf("  %s\n\n", gray("No anomalies recorded"))
		return
	}

	for _, rec := range records {
		fmt.Printf("  %s %s %s\n", yellow("⚠"), rec.AnomalyType, gray(rec.Timestamp.Format(time.RFC3339)))
		fmt.Printf("      %s (value %.2f, threshold %.2f)\n", rec.Detail, rec.Value, rec.Threshold)
	}
	fmt.Println()
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum entries to show")
	historyCmd.Flags().BoolVar(&historyAnomalies, "anomalies", false, "show anomalies instead of evolution cycles")
	rootCmd.AddCommand(historyCmd)
}
