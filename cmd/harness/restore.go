package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/evolab/harness/internal/backup"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-path>",
	Short: "Restore files from a backup",
	Long: `Copy the contents of a backup (directory or .tar.gz archive) back over the
live files. The current state is not saved first; take a backup beforehand if
you may want to undo the restore.`,
	Args: cobra.ExactArgs(1),
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

		if !backups.Restore(args[0]) {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(os.Stderr, "%s Restore from %s failed\n", red("✗"), args[0])
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Restored from %s\n", green("✓"), args[0])
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}
