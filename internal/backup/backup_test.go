package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *Store
	dataDir string
	code    string
	memory  string
}

func newFixture(t *testing.T, compression bool, maxBackups int) *fixture {
	t.Helper()

	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	code := filepath.Join(dataDir, "evolved.go")
	memory := filepath.Join(dataDir, "memory.json")
	require.NoError(t, os.WriteFile(code, []byte("package evolved\n\nfunc Run() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(memory, []byte(`{"generation": 1}`), 0o644))

	store, err := New(&Config{
		Dir:         filepath.Join(root, "backups"),
		MaxBackups:  maxBackups,
		Compression: compression,
		Sources: map[string]string{
			"evolved.go":  code,
			"memory.json": memory,
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	return &fixture{store: store, dataDir: dataDir, code: code, memory: memory}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	for _, compression := range []bool{false, true} {
		name := "uncompressed"
		if compression {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, compression, 10)

			original, err := os.ReadFile(fx.code)
			require.NoError(t, err)

			rec, err := fx.store.Snapshot(context.Background(), KindPreEvolution, 0)
			require.NoError(t, err)
			assert.Equal(t, compression, rec.Compressed)
			assert.ElementsMatch(t, []string{"evolved.go", "memory.json"}, rec.SourceFiles)

			// Clobber the live files, then restore.
			require.NoError(t, os.WriteFile(fx.code, []byte("package evolved // clobbered\n"), 0o644))
			require.NoError(t, os.Remove(fx.memory))

			require.True(t, fx.store.Restore(rec.Path))

			restored, err := os.ReadFile(fx.code)
			require.NoError(t, err)
			assert.Equal(t, original, restored, "restore must be byte-identical")

			mem, err := os.ReadFile(fx.memory)
			require.NoError(t, err)
			assert.JSONEq(t, `{"generation": 1}`, string(mem))
		})
	}
}

func TestSnapshotWithNoSourceFiles(t *testing.T) {
	// Zero existing sources is not an error; the archive holds only the
	// metadata sidecar.
	fx := newFixture(t, false, 10)
	require.NoError(t, os.Remove(fx.code))
	require.NoError(t, os.Remove(fx.memory))

	rec, err := fx.store.Snapshot(context.Background(), KindAuto, 0)
	require.NoError(t, err)
	assert.Empty(t, rec.SourceFiles)
	assert.Greater(t, rec.SizeBytes, int64(0), "sidecar still counts toward size")

	_, err = os.Stat(filepath.Join(rec.Path, metadataFile))
	require.NoError(t, err)
}

func TestRetentionCap(t *testing.T) {
	fx := newFixture(t, false, 2)

	var last *Record
	for i := 1; i <= 5; i++ {
		rec, err := fx.store.Snapshot(context.Background(), KindPostEvolution, i)
		require.NoError(t, err)
		last = rec
		// Timestamped names have second resolution; keep ordering unambiguous
		// for mtime-based sorting too.
		time.Sleep(15 * time.Millisecond)
	}

	records := fx.store.List()
	require.Len(t, records, 2, "retention cap must hold after pruning")

	// Newest first, and the newest is the last snapshot taken.
	assert.Equal(t, last.Path, records[0].Path)
	assert.Equal(t, 5, records[0].EvolutionCount)
	assert.Equal(t, 4, records[1].EvolutionCount)
}

func TestListSkipsUnreadableEntries(t *testing.T) {
	fx := newFixture(t, false, 10)

	_, err := fx.store.Snapshot(context.Background(), KindAuto, 0)
	require.NoError(t, err)

	// A stray directory without a sidecar and a stray file must both be
	// tolerated and skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(fx.store.dir, "not_a_backup"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fx.store.dir, "junk.txt"), []byte("junk"), 0o644))

	records := fx.store.List()
	require.Len(t, records, 1)
	assert.Equal(t, KindAuto, records[0].Kind)
}

func TestRestoreMissingArchive(t *testing.T) {
	fx := newFixture(t, false, 10)
	assert.False(t, fx.store.Restore(filepath.Join(fx.store.dir, "nope")))
}

func TestRestoreCorruptArchive(t *testing.T) {
	fx := newFixture(t, true, 10)

	bad := filepath.Join(fx.store.dir, "backup_borked.tar.gz")
	require.NoError(t, os.WriteFile(bad, []byte("this is not gzip"), 0o644))

	assert.False(t, fx.store.Restore(bad))
}

func TestSnapshotFailureLeavesNoPartialArchive(t *testing.T) {
	fx := newFixture(t, false, 10)

	// Point a source at a directory so the copy fails mid-snapshot.
	fx.store.sources["broken"] = fx.dataDir

	_, err := fx.store.Snapshot(context.Background(), KindAuto, 0)
	require.Error(t, err)

	entries, err := os.ReadDir(fx.store.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed snapshot must clean up its partial output")
}

func TestUsage(t *testing.T) {
	fx := newFixture(t, false, 10)
	_, err := fx.store.Snapshot(context.Background(), KindAuto, 0)
	require.NoError(t, err)

	count, total := fx.store.Usage()
	assert.Equal(t, 1, count)
	assert.Greater(t, total, int64(0))
}
