// Package supervisor drives the evolution cycle: on each tick it snapshots
// current state, asks a producer for a candidate rewrite, gates the candidate
// through the validator, persists it when accepted, and records the outcome.
// An unhealthy host pauses the loop instead of crashing it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evolab/harness/internal/backup"
	"github.com/evolab/harness/internal/logger"
	"github.com/evolab/harness/internal/monitor"
	"github.com/evolab/harness/internal/storage"
	"github.com/evolab/harness/internal/validator"
)

// HealthSource is the slice of the resource monitor the supervisor reads.
type HealthSource interface {
	IsHealthy() bool
	History() []monitor.Sample
}

// Snapshotter is the slice of the backup store the supervisor uses.
type Snapshotter interface {
	Snapshot(ctx context.Context, kind backup.Kind, evolutionCount int) (*backup.Record, error)
}

// Recorder persists evolution and anomaly records.
type Recorder interface {
	RecordEvolution(ctx context.Context, rec *storage.EvolutionRecord) error
	RecordAnomaly(ctx context.Context, rec *storage.AnomalyRecord) error
	LastSequence(ctx context.Context) (int64, error)
}

// AnomalyConfig holds anomaly detection thresholds.
type AnomalyConfig struct {
	Enabled                 bool
	CycleTimeThreshold      time.Duration // slow-cycle limit
	MemoryGrowthThresholdMB float64       // process growth over the last N samples
	ErrorRateThreshold      float64       // rejected fraction of recent ticks
}

// Config holds supervisor configuration.
type Config struct {
	// CodePath is the current-code file, exclusively owned by the supervisor.
	CodePath string
	// CycleInterval is the normal tick period. An unhealthy host doubles it.
	CycleInterval time.Duration
	// BackupEnabled enables snapshots entirely.
	BackupEnabled bool
	// BackupBeforeEvolution takes a best-effort snapshot before each mutation.
	BackupBeforeEvolution bool
	// Anomalies configures per-tick anomaly detection.
	Anomalies AnomalyConfig

	Validator *validator.Validator
	Backups   Snapshotter
	Health    HealthSource
	History   Recorder
	Producer  Producer
	Log       zerolog.Logger
}

// DefaultConfig returns default supervisor configuration. Component
// dependencies must still be filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		CodePath:              "data/evolved.go",
		CycleInterval:         2 * time.Second,
		BackupEnabled:         true,
		BackupBeforeEvolution: true,
		Anomalies: AnomalyConfig{
			Enabled:                 true,
			CycleTimeThreshold:      10 * time.Second,
			MemoryGrowthThresholdMB: 50.0,
			ErrorRateThreshold:      0.1,
		},
	}
}

// ErrDiskFull marks the one unrecoverable condition: no durable storage for
// the evolved code itself.
var ErrDiskFull = errors.New("disk full while persisting evolved code")

// Supervisor owns the tick loop, the evolution counter and the current-code
// file. Everything else is reached through the injected collaborators.
type Supervisor struct {
	cfg        *Config
	log        zerolog.Logger
	instanceID string

	seq            atomic.Int64
	evolutionCount int

	// Bounded tails for anomaly detection; oldest entries are dropped first.
	cycleTimes *ring[time.Duration]
	outcomes   *ring[storage.Outcome]

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	fatalErr error

	shutdownOnce sync.Once
}

// New creates a supervisor. The validator, health source, recorder and
// producer are required; a nil Backups disables snapshots.
func New(cfg *Config) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if cfg.Health == nil {
		return nil, fmt.Errorf("health source is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history recorder is required")
	}
	if cfg.Producer == nil {
		cfg.Producer = NewCommentProducer(nil, 50)
	}
	if cfg.CodePath == "" {
		cfg.CodePath = "data/evolved.go"
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 2 * time.Second
	}

	s := &Supervisor{
		cfg:        cfg,
		log:        cfg.Log,
		instanceID: uuid.New().String(),
		cycleTimes: newRing[time.Duration](100),
		outcomes:   newRing[storage.Outcome](10),
	}
	return s, nil
}

// InstanceID returns the unique ID of this supervisor instance.
func (s *Supervisor) InstanceID() string { return s.instanceID }

// EvolutionCount returns the number of applied evolutions this run.
func (s *Supervisor) EvolutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evolutionCount
}

// Start seeds the current-code file if missing, restores the sequence
// counter from history, and spawns the tick loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.ensureCode(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("initialize code file: %w", err)
	}

	if seq, err := s.cfg.History.LastSequence(ctx); err == nil {
		s.seq.Store(seq)
	}

	go s.loop(ctx)

	logger.Event(s.log, "supervisor_started").
		Str("instance_id", s.instanceID).
		Dur("cycle_interval", s.cfg.CycleInterval).
		Msg("evolution supervisor started")
	return nil
}

// Stop signals the loop to exit, waits for an in-flight tick bounded by ctx,
// then runs the shutdown sequence (final snapshot, flush). A tick that
// outlives the bound forfeits the final snapshot rather than racing it on the
// backup directory. Idempotent: repeated or concurrent calls run the shutdown
// sequence once.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopCh)
	}
	doneCh := s.doneCh
	s.mu.Unlock()

	joined := true
	if doneCh != nil {
		select {
		case <-doneCh:
		case <-ctx.Done():
			joined = false
			s.log.Warn().Msg("supervisor loop did not stop in time")
		}
	}

	s.shutdownOnce.Do(func() { s.shutdown(ctx, joined) })

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Supervisor) shutdown(ctx context.Context, joined bool) {
	logger.Event(s.log, "shutdown_started").Msg("supervisor shutting down")

	if !joined {
		s.log.Warn().Msg("tick still in flight, skipping shutdown backup")
	} else if s.cfg.BackupEnabled && s.cfg.Backups != nil {
		if _, err := s.cfg.Backups.Snapshot(ctx, backup.KindShutdown, s.EvolutionCount()); err != nil {
			s.log.Error().Err(err).Msg("shutdown backup failed")
		}
	}

	logger.Event(s.log, "shutdown_complete").
		Int("evolution_count", s.EvolutionCount()).
		Int64("last_sequence", s.seq.Load()).
		Msg("supervisor shutdown complete")
}

// Wait blocks until the loop exits and returns the fatal error, if any.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	doneCh := s.doneCh
	s.mu.Unlock()
	if doneCh != nil {
		<-doneCh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.doneCh)

	interval := s.cfg.CycleInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		next, err := s.tick(ctx)
		if err != nil {
			s.mu.Lock()
			s.fatalErr = err
			s.running = false
			s.mu.Unlock()
			s.log.Error().Err(err).Msg("supervisor loop stopping on fatal error")
			return
		}
		timer.Reset(next)
	}
}

// tick runs one evolution cycle and returns the delay before the next one.
// Only a fatal persistence failure returns an error.
func (s *Supervisor) tick(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	seq := s.seq.Add(1)

	// Backpressure: an unhealthy host skips the cycle entirely. No backup,
	// no validation, no code mutation, and the loop slows to 2x interval.
	if !s.cfg.Health.IsHealthy() {
		s.record(ctx, seq, storage.OutcomeSkippedUnhealthy, nil, time.Since(start))
		s.log.Warn().
			Str("event_type", "evolution_skipped_unhealthy").
			Int64("sequence", seq).
			Msg("host unhealthy, skipping evolution cycle")
		s.detectAnomalies(ctx, time.Since(start))
		return 2 * s.cfg.CycleInterval, nil
	}

	if s.cfg.BackupEnabled && s.cfg.BackupBeforeEvolution && s.cfg.Backups != nil {
		// Best-effort safety net; a failed pre-backup never blocks the tick.
		if _, err := s.cfg.Backups.Snapshot(ctx, backup.KindPreEvolution, s.evolutionCount); err != nil {
			s.log.Error().Err(err).Msg("pre-evolution backup failed, continuing")
		}
	}

	current, err := os.ReadFile(s.cfg.CodePath)
	if err != nil {
		s.record(ctx, seq, storage.OutcomeRejected, []string{fmt.Sprintf("read current code: %v", err)}, time.Since(start))
		s.detectAnomalies(ctx, time.Since(start))
		return s.cfg.CycleInterval, nil
	}

	candidate, err := s.cfg.Producer.Produce(ctx, string(current))
	if err != nil {
		s.record(ctx, seq, storage.OutcomeRejected, []string{fmt.Sprintf("producer: %v", err)}, time.Since(start))
		s.log.Warn().Err(err).Int64("sequence", seq).Msg("candidate production failed")
		s.detectAnomalies(ctx, time.Since(start))
		return s.cfg.CycleInterval, nil
	}

	res := s.cfg.Validator.ValidateEvolution(string(current), candidate)
	if !res.Valid {
		s.record(ctx, seq, storage.OutcomeRejected, res.Errors, time.Since(start))
		s.log.Warn().
			Str("event_type", "evolution_rejected").
			Int64("sequence", seq).
			Strs("validation_errors", res.Errors).
			Msg("candidate rejected, on-disk code untouched")
		s.detectAnomalies(ctx, time.Since(start))
		return s.cfg.CycleInterval, nil
	}

	if err := s.persist(candidate); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			// Cannot continue safely without durable storage for the code.
			return 0, fmt.Errorf("%w: %v", ErrDiskFull, err)
		}
		s.record(ctx, seq, storage.OutcomeRejected, []string{fmt.Sprintf("persist: %v", err)}, time.Since(start))
		s.log.Error().Err(err).Int64("sequence", seq).Msg("failed to persist evolved code")
		s.detectAnomalies(ctx, time.Since(start))
		return s.cfg.CycleInterval, nil
	}

	s.mu.Lock()
	s.evolutionCount++
	count := s.evolutionCount
	s.mu.Unlock()

	if s.cfg.BackupEnabled && s.cfg.Backups != nil {
		// The applied change stands even when this snapshot fails.
		if _, err := s.cfg.Backups.Snapshot(ctx, backup.KindPostEvolution, count); err != nil {
			s.log.Error().Err(err).Msg("post-evolution backup failed")
		}
	}

	duration := time.Since(start)
	s.record(ctx, seq, storage.OutcomeApplied, nil, duration)
	logger.Event(s.log, "evolution_applied").
		Int64("sequence", seq).
		Int("evolution_count", count).
		Dur("cycle_duration", duration).
		Msg("evolution applied")

	s.detectAnomalies(ctx, duration)
	return s.cfg.CycleInterval, nil
}

// persist writes the candidate atomically: temp file in the same directory,
// then rename over the current code.
func (s *Supervisor) persist(candidate string) error {
	dir := filepath.Dir(s.cfg.CodePath)
	tmp, err := os.CreateTemp(dir, ".evolved-*.go.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(candidate); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.cfg.CodePath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Supervisor) record(ctx context.Context, seq int64, outcome storage.Outcome, validationErrors []string, duration time.Duration) {
	s.cycleTimes.push(duration)
	s.outcomes.push(outcome)

	rec := &storage.EvolutionRecord{
		SequenceNumber:   seq,
		Timestamp:        time.Now(),
		Outcome:          outcome,
		ValidationErrors: validationErrors,
		CycleDuration:    duration,
		EvolutionCount:   s.EvolutionCount(),
		InstanceID:       s.instanceID,
	}
	if err := s.cfg.History.RecordEvolution(ctx, rec); err != nil {
		s.log.Error().Err(err).Int64("sequence", seq).Msg("failed to persist evolution record")
	}
}

// ensureCode seeds the current-code file when missing so the first tick has
// something to evolve.
func (s *Supervisor) ensureCode() error {
	if _, err := os.Stat(s.cfg.CodePath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.CodePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.cfg.CodePath, []byte(seedCode), 0o644)
}

// seedCode is the initial supervised program. It defines both required entry
// points so the first evolution has symbols to preserve.
const seedCode = `package evolved

import "fmt"

var generation = 0

// Run executes one pass of the evolved routine.
func Run() string {
	return fmt.Sprintf("generation %d active", generation)
}

// Evolve advances the generation counter.
func Evolve() int {
	generation++
	return generation
}
`
