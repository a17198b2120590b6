// Package logger provides JSON structured logging using zerolog.
//
// Every record is a single JSON object per line carrying timestamp, level and
// an event_type field; the log file is the machine-readable audit trail for
// evolution and anomaly events.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction. Values come from the "logging" section
// of the configuration file.
type Config struct {
	Level       string `json:"level" yaml:"level"`
	File        string `json:"file" yaml:"file"`
	Rotation    bool   `json:"rotation" yaml:"rotation"`
	MaxSizeMB   int    `json:"max_size" yaml:"max_size"`
	BackupCount int    `json:"backup_count" yaml:"backup_count"`
	Console     bool   `json:"console" yaml:"console"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		File:        "logs/harness.log",
		Rotation:    true,
		MaxSizeMB:   10,
		BackupCount: 5,
		Console:     true,
	}
}

// New builds a zerolog.Logger per cfg. The file writer emits JSON lines; the
// optional console writer is human-oriented. A nil file path disables the
// file sink.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	var closer io.Closer

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
		}
		fw, err := newRotatingWriter(cfg.File, cfg.Rotation, cfg.MaxSizeMB, cfg.BackupCount)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, fw)
		closer = fw
	}

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	if len(writers) == 0 {
		return zerolog.Nop().Level(level), nopCloser{}, nil
	}
	if closer == nil {
		closer = nopCloser{}
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return log, closer, nil
}

// Event starts an info-level audit event tagged with event_type. Audit
// events are the machine-readable trail; use plain log methods for
// diagnostics.
func Event(log zerolog.Logger, eventType string) *zerolog.Event {
	return log.Info().Str("event_type", eventType)
}

// Getter is the slice of the config store the logger needs.
type Getter interface {
	GetString(path, def string) string
	GetBool(path string, def bool) bool
	GetInt(path string, def int) int
}

// ConfigFrom extracts a Config from the "logging" section of cfg.
func ConfigFrom(cfg Getter) Config {
	def := DefaultConfig()
	return Config{
		Level:       cfg.GetString("logging.level", def.Level),
		File:        cfg.GetString("logging.file", def.File),
		Rotation:    cfg.GetBool("logging.rotation", def.Rotation),
		MaxSizeMB:   cfg.GetInt("logging.max_size", def.MaxSizeMB),
		BackupCount: cfg.GetInt("logging.backup_count", def.BackupCount),
		Console:     cfg.GetBool("logging.console", def.Console),
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
