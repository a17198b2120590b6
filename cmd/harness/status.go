package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/evolab/harness/internal/backup"
	"github.com/evolab/harness/internal/monitor"
	"github.com/evolab/harness/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show harness status and resource usage",
	Long:  `Display current host resource usage, backup store usage and history totals.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		store, log, logCloser, err := setup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer logCloser.Close()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Harness Status ==="))

		// One-shot resource sample against the configured thresholds.
		monCfg := monitorConfig(store)
		mon := monitor.New(monCfg, log)

		fmt.Printf("%s\n", yellow("Resources:"))
		sample, err := mon.SampleOnce(ctx)
		if err != nil {
			fmt.Printf("  %s sampling failed: %v\n", red("✗"), err)
		} else {
			printGauge := func(name string, value, threshold float64) {
				icon := green("●")
				if value > threshold {
					icon = red("●")
				}
				fmt.Printf("  %s %-7s %5.1f%% %s\n", icon, name, value,
					gray(fmt.Sprintf("(threshold %.0f%%)", threshold)))
			}
			printGauge("CPU", sample.CPUPercent, monCfg.CPUThreshold)
			printGauge("Memory", sample.MemoryPercent, monCfg.MemoryThreshold)
			printGauge("Disk", sample.DiskPercent, monCfg.DiskThreshold)
			fmt.Printf("    Process: %.1f MB\n", sample.ProcessMemoryMB)
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Backups:"))
		codePath := store.GetString("files.code", "data/evolved.go")
		if backups, err := backup.New(backupConfig(store, codePath), log); err != nil {
			fmt.Printf("  %s %v\n", red("✗"), err)
		} else {
			count, total := backups.Usage()
			if count == 0 {
				fmt.Printf("  %s\n", gray("No backups"))
			} else {
				fmt.Printf("  %d backups, %s\n", count, formatBytes(total))
				if recs := backups.List(); len(recs) > 0 {
					fmt.Printf("  Latest: %s (%s)\n", recs[0].Path, recs[0].Kind)
				}
			}
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("History:"))
		history, err := storage.Open(store.GetString("files.database", "data/harness.db"))
		if err != nil {
			fmt.Printf("  %s %v\n", red("✗"), err)
		} else {
			defer history.Close()
			seq, err := history.LastSequence(ctx)
			if err != nil {
				fmt.Printf("  %s %v\n", red("✗"), err)
			} else if seq == 0 {
				fmt.Printf("  %s\n", gray("No evolution cycles recorded"))
			} else {
				fmt.Printf("  Last sequence: %d\n", seq)
				if rate, err := history.RejectedFraction(ctx, 10); err == nil {
					fmt.Printf("  Recent rejection rate: %.0f%%\n", rate*100)
				}
			}
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
