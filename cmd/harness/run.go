package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/evolab/harness/internal/backup"
	"github.com/evolab/harness/internal/config"
	"github.com/evolab/harness/internal/monitor"
	"github.com/evolab/harness/internal/storage"
	"github.com/evolab/harness/internal/supervisor"
	"github.com/evolab/harness/internal/validator"
)

// shutdownTimeout bounds graceful shutdown before the process gives up.
const shutdownTimeout = 30 * time.Second

var runSeedURL string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the supervised evolution loop",
	Long: `Start the full harness: resource monitor, backup store, validator and the
evolution supervisor. Configuration is hot-reloaded from the config file.
Press Ctrl+C for graceful shutdown (final backup, flush, exit).`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runHarness(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runSeedURL, "seed-url", "", "optional URL fetched each cycle as evolution seed material")
	rootCmd.AddCommand(runCmd)
}

func runHarness() error {
	ctx := context.Background()

	store, log, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store.EnableHotReload(5 * time.Second)
	defer store.DisableHotReload()

	history, err := storage.Open(store.GetString("files.database", "data/harness.db"))
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer history.Close()

	codePath := store.GetString("files.code", "data/evolved.go")

	backups, err := backup.New(backupConfig(store, codePath), log)
	if err != nil {
		return fmt.Errorf("init backup store: %w", err)
	}

	mon := monitor.New(monitorConfig(store), log)
	mon.Start(ctx)
	defer mon.Stop()

	var seed supervisor.SeedSource
	if runSeedURL != "" {
		seed = &supervisor.HTTPSeedSource{URL: runSeedURL}
	}

	supCfg := supervisor.DefaultConfig()
	supCfg.CodePath = codePath
	supCfg.CycleInterval = secondsDuration(store, "evolution.cycle_interval", 2*time.Second)
	supCfg.BackupEnabled = store.GetBool("backup.enabled", true)
	supCfg.BackupBeforeEvolution = store.GetBool("backup.before_evolution", true)
	supCfg.Anomalies = supervisor.AnomalyConfig{
		Enabled:                 store.GetBool("anomaly_detection.enabled", true),
		CycleTimeThreshold:      secondsDuration(store, "anomaly_detection.cycle_time_threshold", 10*time.Second),
		MemoryGrowthThresholdMB: store.GetFloat("anomaly_detection.memory_growth_threshold", 50.0),
		ErrorRateThreshold:      store.GetFloat("anomaly_detection.error_rate_threshold", 0.1),
	}
	supCfg.Validator = validator.New(validatorConfig(store))
	supCfg.Backups = backups
	supCfg.Health = mon
	supCfg.History = history
	supCfg.Producer = supervisor.NewCommentProducer(seed, store.GetInt("evolution.max_comments", 50))
	supCfg.Log = log

	sup, err := supervisor.New(supCfg)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s Harness running (instance %s)\n", green("✓"), cyan(sup.InstanceID()))
	fmt.Printf("  Code:    %s\n", cyan(codePath))
	fmt.Printf("  History: %s\n", cyan(store.GetString("files.database", "data/harness.db")))
	fmt.Println("  Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	loopErr := make(chan error, 1)
	go func() { loopErr <- sup.Wait() }()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
	case err := <-loopErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Supervisor stopped: %v\n", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Stop(shutdownCtx); err != nil {
		return err
	}

	fmt.Printf("%s Harness stopped (%d evolutions applied)\n", green("✓"), sup.EvolutionCount())
	return nil
}

// secondsDuration reads a config value expressed in seconds (possibly
// fractional) as a duration.
func secondsDuration(store *config.Store, path string, def time.Duration) time.Duration {
	secs := store.GetFloat(path, def.Seconds())
	if secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func backupConfig(store *config.Store, codePath string) *backup.Config {
	sources := map[string]string{
		filepath.Base(codePath): codePath,
	}
	if _, err := os.Stat(cfgPath); err == nil {
		sources[filepath.Base(cfgPath)] = cfgPath
	}
	return &backup.Config{
		Dir:         store.GetString("backup.backup_dir", "backups"),
		MaxBackups:  store.GetInt("backup.max_backups", 10),
		Compression: store.GetBool("backup.compression", true),
		Sources:     sources,
	}
}

func monitorConfig(store *config.Store) *monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.CPUThreshold = store.GetFloat("monitoring.cpu_threshold", 80)
	cfg.MemoryThreshold = store.GetFloat("monitoring.memory_threshold", 80)
	cfg.DiskThreshold = store.GetFloat("monitoring.disk_threshold", 90)
	cfg.CheckInterval = secondsDuration(store, "monitoring.check_interval", 30*time.Second)
	cfg.AlertCooldown = secondsDuration(store, "monitoring.alert_cooldown", 5*time.Minute)
	return cfg
}

func validatorConfig(store *config.Store) *validator.Config {
	cfg := validator.DefaultConfig()
	cfg.Enabled = store.GetBool("validation.enabled", true)
	cfg.SyntaxCheck = store.GetBool("validation.syntax_check", true)
	cfg.ASTCheck = store.GetBool("validation.ast_check", true)
	if deny := store.GetStringSlice("validation.deny_calls", nil); deny != nil {
		cfg.DenyCalls = deny
	}
	if deny := store.GetStringSlice("validation.deny_imports", nil); deny != nil {
		cfg.DenyImports = deny
	}
	if req := store.GetStringSlice("validation.required_symbols", nil); req != nil {
		cfg.RequiredSymbols = req
	}
	return cfg
}
