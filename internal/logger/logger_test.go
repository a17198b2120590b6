package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.log")
	log, closer, err := New(Config{Level: "debug", File: path})
	require.NoError(t, err)

	log.Info().Str("event_type", "evolution_applied").Int("sequence", 3).Msg("applied")
	log.Warn().Str("event_type", "resource_alert").Msg("cpu high")
	require.NoError(t, closer.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var record map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record),
			"each line must be a standalone JSON object")
		assert.Contains(t, record, "time")
		assert.Contains(t, record, "level")
		assert.Contains(t, record, "event_type")
	}
	assert.Equal(t, 2, lines)
}

func TestEventTagsType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.log")
	log, closer, err := New(Config{Level: "info", File: path})
	require.NoError(t, err)

	Event(log, "backup_created").Str("path", "backups/x").Msg("backup created")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"backup_created"`)
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.log")
	log, closer, err := New(Config{Level: "warn", File: path})
	require.NoError(t, err)

	log.Info().Msg("filtered out")
	log.Error().Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filtered out")
	assert.Contains(t, string(data), "kept")
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.log")
	log, closer, err := New(Config{Level: "shouting", File: path})
	require.NoError(t, err)
	defer closer.Close()

	log.Debug().Msg("dropped at info level")
	log.Info().Msg("kept at info level")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped at info level")
	assert.Contains(t, string(data), "kept at info level")
}

func TestRotationKeepsBackupChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.log")

	w, err := newRotatingWriter(path, true, 1, 2)
	require.NoError(t, err)
	// Force a tiny limit so a handful of writes trigger rotation.
	w.maxBytes = 256

	line := []byte(strings.Repeat("x", 100) + "\n")
	for i := 0; i < 10; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Active file plus at most backupCount numbered backups.
	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".1")
	require.NoError(t, err)
	_, err = os.Stat(fmt.Sprintf("%s.%d", path, 3))
	assert.True(t, os.IsNotExist(err), "chain must not exceed backup_count")
}

func TestFailedRotationKeepsWriting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.log")

	w, err := newRotatingWriter(path, true, 1, 1)
	require.NoError(t, err)
	w.maxBytes = 64

	// Block the rename target with a non-empty directory so rotation fails.
	require.NoError(t, os.Mkdir(path+".1", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path+".1", "occupied"), []byte("x"), 0o644))

	first := []byte(strings.Repeat("a", 60) + "\n")
	_, err = w.Write(first)
	require.NoError(t, err)

	// This write crosses the limit; rotation fails but the record must still
	// land in the oversized file.
	second := []byte("after failed rotation\n")
	n, err := w.Write(second)
	require.NoError(t, err)
	assert.Equal(t, len(second), n)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after failed rotation")
	assert.Contains(t, string(data), strings.Repeat("a", 60))
}
