package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubSampler feeds a fixed sequence of samples (or errors) into the monitor.
type stubSampler struct {
	mu      sync.Mutex
	samples []Sample
	errs    []error
	idx     int
}

func (s *stubSampler) next(context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.idx
	s.idx++
	if i < len(s.errs) && s.errs[i] != nil {
		return Sample{}, s.errs[i]
	}
	if i < len(s.samples) {
		return s.samples[i], nil
	}
	if len(s.samples) > 0 {
		return s.samples[len(s.samples)-1], nil
	}
	return Sample{Timestamp: time.Now()}, nil
}

func healthySample() Sample {
	return Sample{Timestamp: time.Now(), CPUPercent: 10, MemoryPercent: 20, DiskPercent: 30}
}

func unhealthySample() Sample {
	return Sample{Timestamp: time.Now(), CPUPercent: 95, MemoryPercent: 20, DiskPercent: 30}
}

func newTestMonitor(cooldown time.Duration) *Monitor {
	return New(&Config{
		CPUThreshold:    80,
		MemoryThreshold: 80,
		DiskThreshold:   90,
		CheckInterval:   10 * time.Millisecond,
		AlertCooldown:   cooldown,
		HistorySize:     5,
	}, zerolog.Nop())
}

func TestIsHealthyReflectsLatestSampleOnly(t *testing.T) {
	m := newTestMonitor(time.Hour)
	stub := &stubSampler{samples: []Sample{healthySample(), unhealthySample(), healthySample()}}
	m.sample = stub.next

	ctx := context.Background()

	m.tick(ctx)
	if !m.IsHealthy() {
		t.Error("healthy sample should yield healthy state")
	}

	m.tick(ctx)
	if m.IsHealthy() {
		t.Error("unhealthy sample should yield unhealthy state")
	}

	m.tick(ctx)
	if !m.IsHealthy() {
		t.Error("recovery sample should restore health despite unhealthy history")
	}
}

func TestIsHealthyBeforeFirstSample(t *testing.T) {
	m := newTestMonitor(time.Hour)
	if !m.IsHealthy() {
		t.Error("monitor with no samples must report healthy")
	}
}

func TestAlertCooldownSuppressesRepeats(t *testing.T) {
	m := newTestMonitor(time.Hour)
	stub := &stubSampler{samples: []Sample{unhealthySample(), unhealthySample(), unhealthySample()}}
	m.sample = stub.next

	var mu sync.Mutex
	var alerts []AlertEvent
	m.OnAlert(func(e AlertEvent) {
		mu.Lock()
		alerts = append(alerts, e)
		mu.Unlock()
	})

	ctx := context.Background()
	m.tick(ctx)
	m.tick(ctx)
	m.tick(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts within cooldown window, want exactly 1", len(alerts))
	}
	if alerts[0].Resource != ResourceCPU {
		t.Errorf("alert resource = %s, want cpu", alerts[0].Resource)
	}
	if alerts[0].Value != 95 || alerts[0].Threshold != 80 {
		t.Errorf("alert payload = %+v", alerts[0])
	}
}

func TestAlertFiresAgainAfterCooldown(t *testing.T) {
	m := newTestMonitor(30 * time.Millisecond)
	stub := &stubSampler{samples: []Sample{unhealthySample(), unhealthySample()}}
	m.sample = stub.next

	var mu sync.Mutex
	count := 0
	m.OnAlert(func(AlertEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx := context.Background()
	m.tick(ctx)
	time.Sleep(50 * time.Millisecond) // past the cooldown window
	m.tick(ctx)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("got %d alerts across separate cooldown windows, want 2", count)
	}
}

func TestIndependentCooldownsPerResource(t *testing.T) {
	m := newTestMonitor(time.Hour)
	breach := Sample{Timestamp: time.Now(), CPUPercent: 95, MemoryPercent: 95, DiskPercent: 30}
	stub := &stubSampler{samples: []Sample{breach}}
	m.sample = stub.next

	var mu sync.Mutex
	resources := map[Resource]int{}
	m.OnAlert(func(e AlertEvent) {
		mu.Lock()
		resources[e.Resource]++
		mu.Unlock()
	})

	m.tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if resources[ResourceCPU] != 1 || resources[ResourceMemory] != 1 {
		t.Errorf("each breached resource alerts independently, got %v", resources)
	}
}

func TestCallbackPanicDoesNotKillMonitor(t *testing.T) {
	m := newTestMonitor(time.Millisecond)
	stub := &stubSampler{samples: []Sample{unhealthySample(), unhealthySample()}}
	m.sample = stub.next

	m.OnAlert(func(AlertEvent) { panic("subscriber bug") })

	var mu sync.Mutex
	survived := 0
	m.OnAlert(func(AlertEvent) {
		mu.Lock()
		survived++
		mu.Unlock()
	})

	ctx := context.Background()
	m.tick(ctx)
	time.Sleep(5 * time.Millisecond)
	m.tick(ctx)

	mu.Lock()
	defer mu.Unlock()
	if survived < 1 {
		t.Error("later callbacks must still run after an earlier one panics")
	}
	if m.LatestSample() == nil {
		t.Error("monitor state must survive callback panics")
	}
}

func TestSamplingFailureSkipsTick(t *testing.T) {
	m := newTestMonitor(time.Hour)
	stub := &stubSampler{
		samples: []Sample{{}, healthySample()},
		errs:    []error{errors.New("collection failed"), nil},
	}
	m.sample = stub.next

	ctx := context.Background()
	m.tick(ctx)
	if m.LatestSample() != nil {
		t.Error("failed tick must not record a sample")
	}

	m.tick(ctx)
	if m.LatestSample() == nil {
		t.Error("loop must continue after a sampling failure")
	}
}

func TestHistoryBounded(t *testing.T) {
	m := newTestMonitor(time.Hour)
	stub := &stubSampler{samples: []Sample{healthySample()}}
	m.sample = stub.next

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		m.tick(ctx)
	}

	if got := len(m.History()); got != 5 {
		t.Errorf("history length = %d, want cap 5", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	m := newTestMonitor(time.Hour)
	stub := &stubSampler{samples: []Sample{healthySample()}}
	m.sample = stub.next

	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx) // no-op

	time.Sleep(50 * time.Millisecond)
	if m.LatestSample() == nil {
		t.Error("running monitor should have collected at least one sample")
	}

	m.Stop()
	m.Stop() // no-op
}
