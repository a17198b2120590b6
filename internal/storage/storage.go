// Package storage persists the evolution record history and detected
// anomalies in a local SQLite database. The JSONL audit log remains the trail
// of record; this store is the queryable mirror the CLI reads.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Outcome classifies one evolution tick.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeRejected         Outcome = "rejected"
	OutcomeSkippedUnhealthy Outcome = "skipped_unhealthy"
)

// EvolutionRecord is the append-only per-tick record. SequenceNumber
// increases once per tick regardless of outcome.
type EvolutionRecord struct {
	SequenceNumber   int64         `json:"sequence_number"`
	Timestamp        time.Time     `json:"timestamp"`
	Outcome          Outcome       `json:"outcome"`
	ValidationErrors []string      `json:"validation_errors,omitempty"`
	CycleDuration    time.Duration `json:"cycle_duration"`
	EvolutionCount   int           `json:"evolution_count"`
	InstanceID       string        `json:"instance_id"`
}

// AnomalyRecord is one detected anomaly.
type AnomalyRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	AnomalyType string    `json:"anomaly_type"`
	Detail      string    `json:"detail"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
}

const schema = `
CREATE TABLE IF NOT EXISTS evolution_history (
	sequence_number INTEGER PRIMARY KEY,
	timestamp TEXT NOT NULL,
	outcome TEXT NOT NULL,
	validation_errors TEXT NOT NULL DEFAULT '[]',
	cycle_duration_ms INTEGER NOT NULL,
	evolution_count INTEGER NOT NULL,
	instance_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS anomalies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	anomaly_type TEXT NOT NULL,
	detail TEXT NOT NULL,
	value REAL NOT NULL,
	threshold REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evolution_outcome ON evolution_history(outcome);
CREATE INDEX IF NOT EXISTS idx_anomalies_type ON anomalies(anomaly_type);
`

// Store is a SQLite-backed history store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordEvolution appends one tick record.
func (s *Store) RecordEvolution(ctx context.Context, rec *EvolutionRecord) error {
	errsJSON, err := json.Marshal(rec.ValidationErrors)
	if err != nil {
		return fmt.Errorf("encode validation errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evolution_history
			(sequence_number, timestamp, outcome, validation_errors, cycle_duration_ms, evolution_count, instance_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SequenceNumber,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		string(rec.Outcome),
		string(errsJSON),
		rec.CycleDuration.Milliseconds(),
		rec.EvolutionCount,
		rec.InstanceID,
	)
	if err != nil {
		return fmt.Errorf("insert evolution record: %w", err)
	}
	return nil
}

// ListRecords returns up to limit records, newest first. limit <= 0 returns
// everything.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]*EvolutionRecord, error) {
	query := `
		SELECT sequence_number, timestamp, outcome, validation_errors, cycle_duration_ms, evolution_count, instance_id
		FROM evolution_history
		ORDER BY sequence_number DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evolution history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*EvolutionRecord
	for rows.Next() {
		rec := &EvolutionRecord{}
		var (
			ts         string
			outcome    string
			errsJSON   string
			durationMS int64
		)
		if err := rows.Scan(&rec.SequenceNumber, &ts, &outcome, &errsJSON,
			&durationMS, &rec.EvolutionCount, &rec.InstanceID); err != nil {
			return nil, fmt.Errorf("scan evolution record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		rec.CycleDuration = time.Duration(durationMS) * time.Millisecond
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = parsed
		}
		if err := json.Unmarshal([]byte(errsJSON), &rec.ValidationErrors); err != nil {
			rec.ValidationErrors = nil
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastSequence returns the highest recorded sequence number, or 0 when the
// history is empty.
func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM evolution_history`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// RecordAnomaly appends one anomaly record.
func (s *Store) RecordAnomaly(ctx context.Context, rec *AnomalyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (timestamp, anomaly_type, detail, value, threshold)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.AnomalyType,
		rec.Detail,
		rec.Value,
		rec.Threshold,
	)
	if err != nil {
		return fmt.Errorf("insert anomaly record: %w", err)
	}
	return nil
}

// ListAnomalies returns up to limit anomalies, newest first.
func (s *Store) ListAnomalies(ctx context.Context, limit int) ([]*AnomalyRecord, error) {
	query := `
		SELECT timestamp, anomaly_type, detail, value, threshold
		FROM anomalies
		ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*AnomalyRecord
	for rows.Next() {
		rec := &AnomalyRecord{}
		var ts string
		if err := rows.Scan(&ts, &rec.AnomalyType, &rec.Detail, &rec.Value, &rec.Threshold); err != nil {
			return nil, fmt.Errorf("scan anomaly record: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = parsed
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RejectedFraction returns the fraction of rejected outcomes among the most
// recent n records. An empty history yields 0.
func (s *Store) RejectedFraction(ctx context.Context, n int) (float64, error) {
	records, err := s.ListRecords(ctx, n)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	rejected := 0
	for _, rec := range records {
		if rec.Outcome == OutcomeRejected {
			rejected++
		}
	}
	return float64(rejected) / float64(len(records)), nil
}
