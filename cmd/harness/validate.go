package main

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/evolab/harness/internal/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate Go source files against the safety rules",
	Long: `Run the harness validator over one or more Go files: syntax check plus the
deny-list of dangerous calls and imports. Exits non-zero if any file fails.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, _, logCloser, err := setup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer logCloser.Close()

		v := validator.New(validatorConfig(store))

		type fileResult struct {
			path string
			src  string
			res  validator.Result
			err  error
		}

		var mu sync.Mutex
		results := make(map[string]fileResult, len(args))

		var g errgroup.Group
		g.SetLimit(4)
		for _, path := range args {
			path := path
			g.Go(func() error {
				data, err := os.ReadFile(path)
				fr := fileResult{path: path, err: err}
				if err == nil {
					fr.src = string(data)
					fr.res = v.Validate(fr.src)
				}
				mu.Lock()
				results[path] = fr
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		paths := make([]string, 0, len(results))
		for p := range results {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		failed := 0
		for _, p := range paths {
			fr := results[p]
			switch {
			case fr.err != nil:
				failed++
				fmt.Printf("%s %s: %v\n", red("✗"), p, fr.err)
			case !fr.res.Valid:
				failed++
				fmt.Printf("%s %s\n", red("✗"), p)
				for _, msg := range fr.res.Errors {
					fmt.Printf("    %s\n", msg)
				}
			default:
				m := v.Metrics(fr.src)
				fmt.Printf("%s %s  (%d lines, %d functions, %d imports)\n",
					green("✓"), p, m.Lines, m.Functions, m.Imports)
			}
		}

		if failed > 0 {
			fmt.Printf("\n%d of %d files failed validation\n", failed, len(paths))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
