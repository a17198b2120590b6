// Package monitor samples host CPU, memory, disk and process metrics on an
// interval, compares them against configured thresholds, and fires
// rate-limited alerts. The supervisor reads its aggregate health signal to
// decide whether to back off.
package monitor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

// Resource identifies a monitored resource kind.
type Resource string

const (
	ResourceCPU    Resource = "cpu"
	ResourceMemory Resource = "memory"
	ResourceDisk   Resource = "disk"
)

// Sample is one observation of host state. Never mutated after creation.
type Sample struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryPercent   float64   `json:"memory_percent"`
	DiskPercent     float64   `json:"disk_percent"`
	ProcessMemoryMB float64   `json:"process_memory_mb"`
}

// AlertEvent records one threshold breach that survived the cooldown filter.
type AlertEvent struct {
	Resource  Resource  `json:"resource"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc receives alert events. Panics inside a callback are recovered and
// logged; one misbehaving subscriber cannot kill the monitor loop.
type AlertFunc func(AlertEvent)

// Config holds monitor configuration.
type Config struct {
	CPUThreshold    float64       // percent, default 80
	MemoryThreshold float64       // percent, default 80
	DiskThreshold   float64       // percent, default 90
	DiskPath        string        // mount to watch, default "."
	CheckInterval   time.Duration // default 30s
	AlertCooldown   time.Duration // per-resource, default 300s
	HistorySize     int           // bounded sample history, default 100
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		CPUThreshold:    80.0,
		MemoryThreshold: 80.0,
		DiskThreshold:   90.0,
		DiskPath:        ".",
		CheckInterval:   30 * time.Second,
		AlertCooldown:   300 * time.Second,
		HistorySize:     100,
	}
}

// sampler abstracts metric collection so tests can inject samples.
type sampler func(ctx context.Context) (Sample, error)

// Monitor owns the background sampling loop.
type Monitor struct {
	cfg    *Config
	log    zerolog.Logger
	sample sampler

	// limiters implement the per-resource alert cooldown: one token, refilled
	// once per cooldown window.
	limiters map[Resource]*rate.Limiter

	mu        sync.RWMutex
	history   []Sample // ring, newest at the end, capped at HistorySize
	latest    *Sample
	callbacks []AlertFunc
	failures  int // consecutive sampling failures

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a monitor with cfg, using defaults for zero fields.
func New(cfg *Config, log zerolog.Logger) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = def.CPUThreshold
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	if cfg.DiskThreshold <= 0 {
		cfg.DiskThreshold = def.DiskThreshold
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = def.DiskPath
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	m := &Monitor{
		cfg: cfg,
		log: log,
		limiters: map[Resource]*rate.Limiter{
			ResourceCPU:    rate.NewLimiter(rate.Every(cfg.AlertCooldown), 1),
			ResourceMemory: rate.NewLimiter(rate.Every(cfg.AlertCooldown), 1),
			ResourceDisk:   rate.NewLimiter(rate.Every(cfg.AlertCooldown), 1),
		},
		history: make([]Sample, 0, cfg.HistorySize),
	}
	m.sample = m.collect
	return m
}

// OnAlert registers a callback for alert events. Register before Start.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Start spawns the sampling loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.loop(ctx, m.stopCh, m.doneCh)
	m.log.Info().
		Str("event_type", "monitoring_started").
		Dur("interval", m.cfg.CheckInterval).
		Msg("resource monitoring started")
}

// Stop signals the loop to exit and joins it with a bounded wait. Safe to
// call multiple times.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)

	select {
	case <-m.doneCh:
	case <-time.After(m.cfg.CheckInterval + 5*time.Second):
		m.log.Warn().Msg("monitor loop did not stop in time")
	}
	m.log.Info().Str("event_type", "monitoring_stopped").Msg("resource monitoring stopped")
}

func (m *Monitor) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick takes one sample, records it and evaluates thresholds. A sampling
// failure skips the tick; three consecutive failures escalate to a
// warning-level anomaly but never stop the loop.
func (m *Monitor) tick(ctx context.Context) {
	sample, err := m.sample(ctx)
	if err != nil {
		m.mu.Lock()
		m.failures++
		failures := m.failures
		m.mu.Unlock()

		m.log.Error().Err(err).Msg("metric collection failed")
		if failures == 3 {
			m.log.Warn().
				Str("event_type", "anomaly_detected").
				Str("anomaly_type", "sampling_degraded").
				Int("consecutive_failures", failures).
				Msg("metric collection failing repeatedly")
		}
		return
	}

	m.mu.Lock()
	m.failures = 0
	m.latest = &sample
	m.history = append(m.history, sample)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	m.checkThresholds(sample)
}

// checkThresholds fires a cooldown-filtered alert for each breached resource.
func (m *Monitor) checkThresholds(sample Sample) {
	checks := []struct {
		resource  Resource
		value     float64
		threshold float64
	}{
		{ResourceCPU, sample.CPUPercent, m.cfg.CPUThreshold},
		{ResourceMemory, sample.MemoryPercent, m.cfg.MemoryThreshold},
		{ResourceDisk, sample.DiskPercent, m.cfg.DiskThreshold},
	}

	for _, c := range checks {
		if c.value <= c.threshold {
			continue
		}
		// Suppressed while the same resource alerted within the cooldown
		// window; a sustained breach produces one alert per window.
		if !m.limiters[c.resource].Allow() {
			continue
		}
		m.fire(AlertEvent{
			Resource:  c.resource,
			Value:     c.value,
			Threshold: c.threshold,
			Timestamp: sample.Timestamp,
		})
	}
}

func (m *Monitor) fire(event AlertEvent) {
	m.log.Warn().
		Str("event_type", "resource_alert").
		Str("resource", string(event.Resource)).
		Float64("value", event.Value).
		Float64("threshold", event.Threshold).
		Msg("resource threshold breached")

	m.mu.RLock()
	callbacks := make([]AlertFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.RUnlock()

	for _, fn := range callbacks {
		m.safeInvoke(fn, event)
	}
}

func (m *Monitor) safeInvoke(fn AlertFunc, event AlertEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Interface("panic", r).
				Str("resource", string(event.Resource)).
				Msg("alert callback panicked")
		}
	}()
	fn(event)
}

// IsHealthy reports whether the latest sample is under all three thresholds.
// History is not consulted: a spike that has since resolved does not keep the
// system unhealthy. With no sample yet the system is assumed healthy.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.latest == nil {
		return true
	}
	return m.latest.CPUPercent <= m.cfg.CPUThreshold &&
		m.latest.MemoryPercent <= m.cfg.MemoryThreshold &&
		m.latest.DiskPercent <= m.cfg.DiskThreshold
}

// LatestSample returns the most recent sample, or nil before the first tick.
func (m *Monitor) LatestSample() *Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return nil
	}
	s := *m.latest
	return &s
}

// SampleOnce takes a single sample outside the periodic loop. It does not
// touch history or thresholds.
func (m *Monitor) SampleOnce(ctx context.Context) (Sample, error) {
	return m.sample(ctx)
}

// History returns a copy of the bounded sample history, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}

// collect gathers one sample from the host via gopsutil.
func (m *Monitor) collect(ctx context.Context) (Sample, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("cpu: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, m.cfg.DiskPath)
	if err != nil {
		return Sample{}, fmt.Errorf("disk: %w", err)
	}

	var processMB float64
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			processMB = float64(info.RSS) / (1024 * 1024)
		}
	}

	return Sample{
		Timestamp:       time.Now(),
		CPUPercent:      cpuPercent,
		MemoryPercent:   vm.UsedPercent,
		DiskPercent:     du.UsedPercent,
		ProcessMemoryMB: processMB,
	}, nil
}
