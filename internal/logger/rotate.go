package logger

import (
	"fmt"
	"os"
	"sync"
)

// rotatingWriter appends to a log file and, when rotation is enabled, renames
// it through a numbered chain (file -> file.1 -> ... -> file.N) once it
// crosses the size limit. The oldest file in the chain is dropped.
type rotatingWriter struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	size        int64
	rotate      bool
	maxBytes    int64
	backupCount int
}

func newRotatingWriter(path string, rotate bool, maxSizeMB, backupCount int) (*rotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if backupCount <= 0 {
		backupCount = 5
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &rotatingWriter{
		path:        path,
		file:        f,
		size:        info.Size(),
		rotate:      rotate,
		maxBytes:    int64(maxSizeMB) * 1024 * 1024,
		backupCount: backupCount,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rotate && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			// Keep logging into the oversized file rather than dropping records.
			fmt.Fprintf(os.Stderr, "warning: log rotation failed: %v\n", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	rotateErr := func() error {
		// Shift the numbered chain upward, dropping the oldest.
		oldest := fmt.Sprintf("%s.%d", w.path, w.backupCount)
		_ = os.Remove(oldest)
		for i := w.backupCount - 1; i >= 1; i-- {
			src := fmt.Sprintf("%s.%d", w.path, i)
			if _, err := os.Stat(src); err == nil {
				_ = os.Rename(src, fmt.Sprintf("%s.%d", w.path, i+1))
			}
		}
		if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}()

	// Reopen even when the rename chain failed: the oversized file is still
	// at w.path and writes must keep landing somewhere.
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if rotateErr != nil {
			return rotateErr
		}
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return rotateErr
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
