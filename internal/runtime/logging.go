package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultLogger is the stderr fallback used before the run logger exists and
// by components constructed without one.
func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// NewRunLogger writes the run's log stream to console and to a timestamped
// file under dir, creating dir when absent. Close the returned closer when
// the run ends. A nil console defaults to stdout.
func NewRunLogger(dir string, console io.Writer) (*slog.Logger, func() error, error) {
	if console == nil {
		console = os.Stdout
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, time.Now().Format("2006-01-02_15-04-05")+"-gmail-autolabel.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("create log file %s: %w", path, err)
	}
	handler := slog.NewTextHandler(io.MultiWriter(console, f), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(handler), f.Close, nil
}
