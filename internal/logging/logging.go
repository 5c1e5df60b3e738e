// Package logging configures the process-wide slog logger over a
// size-rotating log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// maxLogSize is the rotation threshold. The current file moves to
// <path>.old and a fresh file is started.
const maxLogSize = 5 * 1024 * 1024

// RotatingWriter appends to a log file and rotates it once it exceeds
// maxLogSize. Safe for concurrent use.
type RotatingWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
}

// NewRotatingWriter opens (or creates) the log file at path.
func NewRotatingWriter(path string) (*RotatingWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	size := int64(0)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return &RotatingWriter{path: path, file: f, size: size}, nil
}

// Write implements io.Writer, rotating first when the file is full.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size+int64(len(p)) > maxLogSize {
		w.rotate()
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate is best effort: a failed rename keeps writing to the old file.
func (w *RotatingWriter) rotate() {
	w.file.Close()
	renamed := os.Rename(w.path, w.path+".old") == nil
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	w.file = f
	if !renamed {
		// Still the full file; keep the real size so the next write retries.
		if info, err := f.Stat(); err == nil {
			w.size = info.Size()
		}
		return
	}
	w.size = 0
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Setup installs the default slog logger writing to w (and stderr when echo
// is set). Debug level when verbose.
func Setup(w io.Writer, verbose, echo bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	out := w
	if echo {
		out = io.MultiWriter(w, os.Stderr)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})))
}
