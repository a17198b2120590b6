package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/evolab/harness/internal/backup"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List available backups",
	Long:  `List backups newest first, with kind, size and evolution count.`,
	Run: func(cmd *cobra.Command, args []string) {
		store, log, logCloser, err := setup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer logCloser.Close()

		codePath := store.GetString("files.code", "data/evolved.go")
		backups, err := backup.New(backupConfig(store, codePath), log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		records := backups.List()
		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Backups ==="))
		if len(records) == 0 {
			fmt.Printf("  %s\n\n", gray("No backups found"))
			return
		}

		for _, rec := range records {
			compressed := ""
			if rec.Compressed {
				compressed = " (compressed)"
			}
			fmt.Printf("  %s\n", rec.Path)
			fmt.Printf("    Kind:       %s%s\n", rec.Kind, compressed)
			fmt.Printf("    Created:    %s\n", rec.CreatedAt.Format(time.RFC3339))
			fmt.Printf("    Size:       %s\n", formatBytes(rec.SizeBytes))
			fmt.Printf("    Evolutions: %d\n", rec.EvolutionCount)
			fmt.Println()
		}

		count, total := backups.Usage()
		fmt.Printf("  Total: %d backups, %s\n\n", count, formatBytes(total))
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(backupsCmd)
}
