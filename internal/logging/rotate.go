package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// RotatingFile is an io.WriteCloser that rotates by size: when a write
// would take the file past its limit, path becomes path.1, path.1 becomes
// path.2 and so on, keeping at most keep backups. A single write is never
// split across files.
type RotatingFile struct {
	mu    sync.Mutex
	path  string
	limit int64
	keep  int
	size  int64
	f     *os.File
}

var _ io.WriteCloser = (*RotatingFile)(nil)

// OpenRotating opens path for appending, creating it and its directory if
// needed. maxSizeMB is clamped to at least 1; keep to at least 0.
func OpenRotating(path string, maxSizeMB, keep int) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, size, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &RotatingFile{
		path:  path,
		limit: int64(max(maxSizeMB, 1)) << 20,
		keep:  max(keep, 0),
		size:  size,
		f:     f,
	}, nil
}

func openAppend(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat log file: %w", err)
	}
	return f, info.Size(), nil
}

func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingFile) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	backups := w.backups()
	slices.Reverse(backups)
	for _, n := range backups {
		if n >= w.keep {
			_ = os.Remove(w.backup(n))
			continue
		}
		_ = os.Rename(w.backup(n), w.backup(n+1))
	}
	if w.keep > 0 {
		_ = os.Rename(w.path, w.backup(1))
	} else {
		_ = os.Remove(w.path)
	}
	f, size, err := openAppend(w.path)
	if err != nil {
		w.f = nil
		return err
	}
	w.f, w.size = f, size
	return nil
}

func (w *RotatingFile) backup(n int) string { return w.path + "." + strconv.Itoa(n) }

// backups returns the existing backup numbers, ascending.
func (w *RotatingFile) backups() []int {
	entries, err := os.ReadDir(filepath.Dir(w.path))
	if err != nil {
		return nil
	}
	prefix := filepath.Base(w.path) + "."
	var nums []int
	for _, e := range entries {
		suffix, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n >= 1 {
			nums = append(nums, n)
		}
	}
	slices.Sort(nums)
	return nums
}
