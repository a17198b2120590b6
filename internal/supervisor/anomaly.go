package supervisor

import (
	"context"
	"time"

	"github.com/evolab/harness/internal/storage"
)

// Anomaly type tags recorded to history and emitted in audit events.
const (
	AnomalySlowCycle     = "slow_cycle"
	AnomalyMemoryGrowth  = "memory_growth"
	AnomalyHighErrorRate = "high_error_rate"
)

// errorRateWindow is how many recent ticks the rejected fraction covers.
const errorRateWindow = 10

// memoryGrowthWindow is how many recent monitor samples the memory-growth
// check spans.
const memoryGrowthWindow = 10

// detectAnomalies checks the finished tick against the configured thresholds.
// Anomalies are observational: they are logged and recorded, never change
// loop behavior.
func (s *Supervisor) detectAnomalies(ctx context.Context, cycleDuration time.Duration) {
	cfg := s.cfg.Anomalies
	if !cfg.Enabled {
		return
	}

	if cfg.CycleTimeThreshold > 0 && cycleDuration > cfg.CycleTimeThreshold {
		s.reportAnomaly(ctx, AnomalySlowCycle,
			"cycle exceeded time threshold",
			cycleDuration.Seconds(), cfg.CycleTimeThreshold.Seconds())
	}

	if cfg.MemoryGrowthThresholdMB > 0 {
		if growth, ok := s.memoryGrowthMB(); ok && growth > cfg.MemoryGrowthThresholdMB {
			s.reportAnomaly(ctx, AnomalyMemoryGrowth,
				"process memory grew beyond threshold",
				growth, cfg.MemoryGrowthThresholdMB)
		}
	}

	if cfg.ErrorRateThreshold > 0 {
		if rate, ok := s.rejectedFraction(); ok && rate > cfg.ErrorRateThreshold {
			s.reportAnomaly(ctx, AnomalyHighErrorRate,
				"rejected fraction of recent cycles exceeded threshold",
				rate, cfg.ErrorRateThreshold)
		}
	}
}

// memoryGrowthMB returns process memory growth over the last
// memoryGrowthWindow monitor samples: newest minus the window start. Growth
// that has already leveled off ages out of the window instead of re-firing.
// Fewer than two samples is not enough signal.
func (s *Supervisor) memoryGrowthMB() (float64, bool) {
	samples := s.cfg.Health.History()
	if len(samples) > memoryGrowthWindow {
		samples = samples[len(samples)-memoryGrowthWindow:]
	}
	if len(samples) < 2 {
		return 0, false
	}
	return samples[len(samples)-1].ProcessMemoryMB - samples[0].ProcessMemoryMB, true
}

// rejectedFraction returns the share of rejected outcomes among the last
// min(ticks, errorRateWindow) cycles.
func (s *Supervisor) rejectedFraction() (float64, bool) {
	recent := s.outcomes.items()
	if len(recent) == 0 {
		return 0, false
	}
	rejected := 0
	for _, o := range recent {
		if o == storage.OutcomeRejected {
			rejected++
		}
	}
	return float64(rejected) / float64(len(recent)), true
}

func (s *Supervisor) reportAnomaly(ctx context.Context, kind, detail string, value, threshold float64) {
	s.log.Warn().
		Str("event_type", "anomaly_detected").
		Str("anomaly_type", kind).
		Float64("value", value).
		Float64("threshold", threshold).
		Msg(detail)

	rec := &storage.AnomalyRecord{
		Timestamp:   time.Now(),
		AnomalyType: kind,
		Detail:      detail,
		Value:       value,
		Threshold:   threshold,
	}
	if err := s.cfg.History.RecordAnomaly(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("anomaly_type", kind).Msg("failed to persist anomaly record")
	}
}

// ring is a fixed-capacity append-only buffer that keeps the newest entries.
type ring[T any] struct {
	cap  int
	data []T
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{cap: capacity}
}

func (r *ring[T]) push(v T) {
	r.data = append(r.data, v)
	if len(r.data) > r.cap {
		r.data = r.data[len(r.data)-r.cap:]
	}
}

// items returns the retained entries, oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, len(r.data))
	copy(out, r.data)
	return out
}
