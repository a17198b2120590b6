package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "harness.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndListEvolutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []*EvolutionRecord{
		{SequenceNumber: 1, Timestamp: time.Now(), Outcome: OutcomeApplied, CycleDuration: 120 * time.Millisecond, EvolutionCount: 1, InstanceID: "inst-1"},
		{SequenceNumber: 2, Timestamp: time.Now(), Outcome: OutcomeRejected, ValidationErrors: []string{"forbidden call to os.Exit"}, CycleDuration: 80 * time.Millisecond, EvolutionCount: 1, InstanceID: "inst-1"},
		{SequenceNumber: 3, Timestamp: time.Now(), Outcome: OutcomeApplied, CycleDuration: 95 * time.Millisecond, EvolutionCount: 2, InstanceID: "inst-1"},
	}
	for _, rec := range records {
		require.NoError(t, s.RecordEvolution(ctx, rec))
	}

	got, err := s.ListRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest first.
	assert.Equal(t, int64(3), got[0].SequenceNumber)
	assert.Equal(t, int64(1), got[2].SequenceNumber)

	assert.Equal(t, OutcomeRejected, got[1].Outcome)
	assert.Equal(t, []string{"forbidden call to os.Exit"}, got[1].ValidationErrors)
	assert.Equal(t, 80*time.Millisecond, got[1].CycleDuration)
}

func TestListRecordsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.RecordEvolution(ctx, &EvolutionRecord{
			SequenceNumber: i,
			Timestamp:      time.Now(),
			Outcome:        OutcomeApplied,
			InstanceID:     "inst-1",
		}))
	}

	got, err := s.ListRecords(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(5), got[0].SequenceNumber)
	assert.Equal(t, int64(4), got[1].SequenceNumber)
}

func TestLastSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seq, err := s.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq, "empty history yields 0")

	require.NoError(t, s.RecordEvolution(ctx, &EvolutionRecord{
		SequenceNumber: 7, Timestamp: time.Now(), Outcome: OutcomeSkippedUnhealthy, InstanceID: "inst-1",
	}))

	seq, err = s.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
}

func TestRejectedFraction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	outcomes := []Outcome{
		OutcomeApplied, OutcomeRejected, OutcomeRejected, OutcomeApplied,
	}
	for i, outcome := range outcomes {
		require.NoError(t, s.RecordEvolution(ctx, &EvolutionRecord{
			SequenceNumber: int64(i + 1),
			Timestamp:      time.Now(),
			Outcome:        outcome,
			InstanceID:     "inst-1",
		}))
	}

	frac, err := s.RejectedFraction(ctx, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, frac, 1e-9)

	// Only the most recent 2 (applied, rejected).
	frac, err = s.RejectedFraction(ctx, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, frac, 1e-9)
}

func TestAnomalies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordAnomaly(ctx, &AnomalyRecord{
		Timestamp:   time.Now(),
		AnomalyType: "slow_cycle",
		Detail:      "cycle took 12.3s",
		Value:       12.3,
		Threshold:   10.0,
	}))
	require.NoError(t, s.RecordAnomaly(ctx, &AnomalyRecord{
		Timestamp:   time.Now(),
		AnomalyType: "memory_growth",
		Detail:      "grew 75MB over last 10 samples",
		Value:       75,
		Threshold:   50,
	}))

	got, err := s.ListAnomalies(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "memory_growth", got[0].AnomalyType, "newest first")
	assert.Equal(t, "slow_cycle", got[1].AnomalyType)
}

func TestReopenPreservesHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordEvolution(ctx, &EvolutionRecord{
		SequenceNumber: 1, Timestamp: time.Now(), Outcome: OutcomeApplied, InstanceID: "inst-1",
	}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	seq, err := s2.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}
