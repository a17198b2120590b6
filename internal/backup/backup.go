// Package backup snapshots a named set of files into timestamped, optionally
// compressed archives, enforces a retention cap, and restores archives back
// to their configured destinations.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies why a snapshot was taken.
type Kind string

const (
	KindAuto          Kind = "auto"
	KindPreEvolution  Kind = "pre_evolution"
	KindPostEvolution Kind = "post_evolution"
	KindShutdown      Kind = "shutdown"
)

// metadataFile is the sidecar the restore path depends on.
const metadataFile = "backup_metadata.json"

const timestampLayout = "20060102_150405"

// Record describes one archive. Created on snapshot, read-only afterward.
type Record struct {
	Path           string    `json:"path"`
	CreatedAt      time.Time `json:"created_at"`
	SizeBytes      int64     `json:"size_bytes"`
	Compressed     bool      `json:"compressed"`
	SourceFiles    []string  `json:"files"`
	EvolutionCount int       `json:"evolution_count,omitempty"`
	Kind           Kind      `json:"kind"`
}

// metadata is the on-disk sidecar layout. Timestamp matches the archive name;
// CreatedAt carries full precision for retention ordering.
type metadata struct {
	Timestamp      string    `json:"timestamp"`
	CreatedAt      time.Time `json:"created_at"`
	Kind           Kind      `json:"backup_type"`
	EvolutionCount int       `json:"evolution_count,omitempty"`
	Files          []string  `json:"files"`
	SizeBytes      int64     `json:"size_bytes"`
	Compressed     bool      `json:"compressed"`
}

// Config holds backup store configuration.
type Config struct {
	// Dir is the backup directory, exclusively owned by this store.
	Dir string
	// MaxBackups is the retention cap; oldest entries beyond it are pruned.
	MaxBackups int
	// Compression archives each snapshot into a single .tar.gz file.
	Compression bool
	// Sources maps archive-relative names to their live on-disk paths. Both
	// snapshot and restore use this mapping.
	Sources map[string]string
}

// DefaultConfig returns default backup configuration.
func DefaultConfig() *Config {
	return &Config{
		Dir:         "backups",
		MaxBackups:  10,
		Compression: true,
		Sources:     map[string]string{},
	}
}

// Store manages the backup directory.
type Store struct {
	dir         string
	maxBackups  int
	compression bool
	sources     map[string]string
	log         zerolog.Logger
}

// New creates the store and its directory.
func New(cfg *Config, log zerolog.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dir == "" {
		cfg.Dir = "backups"
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	return &Store{
		dir:         cfg.Dir,
		maxBackups:  cfg.MaxBackups,
		compression: cfg.Compression,
		sources:     cfg.Sources,
		log:         log,
	}, nil
}

// Snapshot copies every existing source file into a new timestamped archive
// and writes the metadata sidecar. Zero existing sources is not an error; the
// archive then holds only the sidecar. On failure the partial output is
// removed and nothing is registered.
func (s *Store) Snapshot(ctx context.Context, kind Kind, evolutionCount int) (*Record, error) {
	now := time.Now()
	name := fmt.Sprintf("backup_%s_%s", now.Format(timestampLayout), kind)
	if kind == KindPostEvolution && evolutionCount > 0 {
		name = fmt.Sprintf("backup_%s_evolution_%d", now.Format(timestampLayout), evolutionCount)
	}
	dir := filepath.Join(s.dir, name)
	for i := 2; pathTaken(dir); i++ {
		dir = filepath.Join(s.dir, fmt.Sprintf("%s_%d", name, i))
	}

	rec, err := s.snapshotDir(ctx, dir, now, kind, evolutionCount)
	if err != nil {
		_ = os.RemoveAll(dir)
		s.log.Error().Err(err).Str("event_type", "backup_failed").Str("kind", string(kind)).
			Msg("snapshot failed")
		return nil, err
	}

	if s.compression {
		archive := dir + ".tar.gz"
		if err := compressDir(dir, archive); err != nil {
			_ = os.Remove(archive)
			_ = os.RemoveAll(dir)
			s.log.Error().Err(err).Str("event_type", "backup_failed").Msg("compression failed")
			return nil, fmt.Errorf("compress backup: %w", err)
		}
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn().Err(err).Msg("failed to remove uncompressed snapshot after archiving")
		}
		rec.Path = archive
		rec.Compressed = true
		if info, err := os.Stat(archive); err == nil {
			rec.SizeBytes = info.Size()
		}
	}

	s.log.Info().
		Str("event_type", "backup_created").
		Str("path", rec.Path).
		Str("kind", string(kind)).
		Int64("size_bytes", rec.SizeBytes).
		Int("files", len(rec.SourceFiles)).
		Msg("backup created")

	s.prune()
	return rec, nil
}

func (s *Store) snapshotDir(ctx context.Context, dir string, now time.Time, kind Kind, evolutionCount int) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	var (
		copied    []string
		totalSize int64
	)
	// Copy in a stable order so metadata and logs are reproducible.
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := s.sources[name]
		if _, err := os.Stat(src); err != nil {
			continue // missing source files are skipped, not an error
		}
		dst := filepath.Join(dir, name)
		n, err := copyFile(src, dst)
		if err != nil {
			return nil, fmt.Errorf("copy %s: %w", src, err)
		}
		copied = append(copied, name)
		totalSize += n
	}

	meta := metadata{
		Timestamp:      now.Format(timestampLayout),
		CreatedAt:      now,
		Kind:           kind,
		EvolutionCount: evolutionCount,
		Files:          copied,
		SizeBytes:      totalSize,
		Compressed:     false,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	totalSize += int64(len(data))

	return &Record{
		Path:           dir,
		CreatedAt:      now,
		SizeBytes:      totalSize,
		Compressed:     false,
		SourceFiles:    copied,
		EvolutionCount: evolutionCount,
		Kind:           kind,
	}, nil
}

// Restore copies the files recorded in an archive's sidecar back to their
// configured destinations, creating parent directories as needed. A missing
// or corrupt archive returns false with the reason logged; Restore never
// returns an error.
func (s *Store) Restore(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("backup does not exist")
		return false
	}

	dir := path
	if !info.IsDir() {
		tmp, err := os.MkdirTemp("", "harness-restore-")
		if err != nil {
			s.log.Error().Err(err).Msg("failed to create extraction directory")
			return false
		}
		defer os.RemoveAll(tmp)

		extracted, err := extractArchive(path, tmp)
		if err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("failed to extract backup archive")
			return false
		}
		dir = extracted
	}

	meta, err := readMetadata(dir)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("backup metadata unreadable")
		return false
	}

	var restored []string
	for _, name := range meta.Files {
		dst, ok := s.sources[name]
		if !ok {
			s.log.Warn().Str("file", name).Msg("no configured destination for backed-up file, skipping")
			continue
		}
		src := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			s.log.Error().Err(err).Str("file", name).Msg("failed to create destination directory")
			return false
		}
		if _, err := copyFile(src, dst); err != nil {
			s.log.Error().Err(err).Str("file", name).Msg("failed to restore file")
			return false
		}
		restored = append(restored, name)
	}

	s.log.Info().
		Str("event_type", "backup_restored").
		Str("path", path).
		Strs("files", restored).
		Msg("backup restored")
	return true
}

// List scans the backup directory and returns records newest first.
// Unreadable entries are skipped.
func (s *Store) List() []Record {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list backups")
		return nil
	}

	var records []Record
	for _, entry := range entries {
		path := filepath.Join(s.dir, entry.Name())
		rec, err := s.readRecord(path, entry)
		if err != nil {
			continue
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records
}

func (s *Store) readRecord(path string, entry os.DirEntry) (*Record, error) {
	info, err := entry.Info()
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Path:      path,
		CreatedAt: info.ModTime(),
		SizeBytes: info.Size(),
	}

	switch {
	case entry.IsDir():
		meta, err := readMetadata(path)
		if err != nil {
			return nil, err
		}
		s.applyMetadata(rec, meta)
		rec.SizeBytes = dirSize(path)
	case filepath.Ext(path) == ".gz":
		rec.Compressed = true
		tmp, err := os.MkdirTemp("", "harness-list-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)
		extracted, err := extractArchive(path, tmp)
		if err != nil {
			return nil, err
		}
		meta, err := readMetadata(extracted)
		if err != nil {
			return nil, err
		}
		s.applyMetadata(rec, meta)
	default:
		return nil, fmt.Errorf("not a backup entry")
	}

	return rec, nil
}

func (s *Store) applyMetadata(rec *Record, meta *metadata) {
	rec.Kind = meta.Kind
	rec.EvolutionCount = meta.EvolutionCount
	rec.SourceFiles = meta.Files
	if !meta.CreatedAt.IsZero() {
		rec.CreatedAt = meta.CreatedAt
	} else if ts, err := time.ParseInLocation(timestampLayout, meta.Timestamp, time.Local); err == nil {
		rec.CreatedAt = ts
	}
}

// prune deletes the oldest entries beyond the retention cap. Called after
// every successful snapshot; retention is the only path that deletes archives
// outside explicit user action.
func (s *Store) prune() {
	records := s.List()
	if len(records) <= s.maxBackups {
		return
	}

	for _, rec := range records[s.maxBackups:] {
		if err := os.RemoveAll(rec.Path); err != nil {
			s.log.Error().Err(err).Str("path", rec.Path).Msg("failed to prune backup")
			continue
		}
		s.log.Info().
			Str("event_type", "backup_pruned").
			Str("path", rec.Path).
			Msg("old backup removed")
	}
}

// Usage reports totals for the backup directory.
func (s *Store) Usage() (count int, totalBytes int64) {
	records := s.List()
	for _, rec := range records {
		totalBytes += rec.SizeBytes
	}
	return len(records), totalBytes
}

func pathTaken(dir string) bool {
	if _, err := os.Stat(dir); err == nil {
		return true
	}
	if _, err := os.Stat(dir + ".tar.gz"); err == nil {
		return true
	}
	return false
}

func readMetadata(dir string) (*metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
