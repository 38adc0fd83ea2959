// Package recorder writes received ISCP frames to CSV files with automatic
// rotation.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
	"go.uber.org/zap"
)

const defaultMaxRows = 100_000

var csvHeader = []string{"timestamp", "command", "argument", "message", "description"}

// Config holds recorder configuration.
type Config struct {
	Enabled bool
	Dir     string
	MaxRows int // rotate after this many rows
}

// Recorder appends one CSV row per frame.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	log     *zap.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
	files  []string
}

// New creates a Recorder. No file is created until the first Record.
func New(cfg Config, log *zap.Logger) *Recorder {
	if cfg.Dir == "" {
		cfg.Dir = "/var/log/onkyo-remote"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		dir:     cfg.Dir,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		log:     log.Named("recorder"),
	}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Files lists the CSV files opened so far, oldest first.
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

// Record writes f received at ts.
func (r *Recorder) Record(f iscp.Frame, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return nil
	}

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(ts); err != nil {
			r.log.Error("rotate failed", zap.Error(err))
			return err
		}
	}

	row := []string{
		ts.Format(time.RFC3339Nano),
		f.Command,
		f.Argument,
		f.String(),
		iscp.Describe(f),
	}
	if err := r.writer.Write(row); err != nil {
		r.log.Error("write failed", zap.Error(err))
		return fmt.Errorf("recorder: write: %w", err)
	}
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		return fmt.Errorf("recorder: flush: %w", err)
	}
	r.rows++
	return nil
}

// Close flushes and closes the current file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("recorder: mkdir %s: %w", r.dir, err)
	}

	// Nanoseconds keep names unique when rotating more than once a second.
	name := fmt.Sprintf("onkyo_%s_%09d.csv", now.Format("2006-01-02_150405"), now.Nanosecond())
	path := filepath.Join(r.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.files = append(r.files, path)

	if err := r.writer.Write(csvHeader); err != nil {
		return fmt.Errorf("recorder: header: %w", err)
	}
	r.writer.Flush()

	r.log.Info("opened", zap.String("path", path))
	return nil
}

func (r *Recorder) closeFile() error {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
