package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ticktockdb/ticktock/internal/logging"
)

// Config tunes the append log writer.
type Config struct {
	Dir            string
	MaxSegmentSize int64         // rotate segments above this size
	MaxBatchSize   int           // entries buffered before auto-flush
	FlushInterval  time.Duration // upper bound on buffered time
}

// DefaultConfig returns recommended settings for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		MaxSegmentSize: 16 * 1024 * 1024,
		MaxBatchSize:   1024,
		FlushInterval:  100 * time.Millisecond,
	}
}

// Log is the append-log writer. Appends buffer in memory and are
// flushed as one compressed frame by size, by the background ticker,
// or explicitly.
type Log struct {
	mu      sync.Mutex
	cfg     Config
	logger  *logging.Logger
	file    *os.File
	seq     int
	size    int64
	pending []Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLog opens the append log in cfg.Dir, creating the directory and
// the first segment as needed, and starts the background flusher.
func NewLog(cfg Config, logger *logging.Logger) (*Log, error) {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = 16 * 1024 * 1024
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}

	l := &Log{
		cfg:     cfg,
		logger:  logger,
		pending: make([]Entry, 0, cfg.MaxBatchSize),
	}

	existing, err := segmentFiles(cfg.Dir)
	if err != nil {
		return nil, err
	}
	l.seq = len(existing)
	if err := l.openSegment(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go l.flushLoop(ctx)

	return l, nil
}

func (l *Log) segmentPath(seq int) string {
	return filepath.Join(l.cfg.Dir, fmt.Sprintf("%s%06d%s", segmentPrefix, seq, segmentSuffix))
}

func (l *Log) openSegment() error {
	f, err := os.OpenFile(l.segmentPath(l.seq), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open wal segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// Append buffers one entry, flushing when the batch fills up.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, e)
	if len(l.pending) >= l.cfg.MaxBatchSize {
		return l.flushLocked()
	}
	return nil
}

// Flush writes any buffered entries as one frame.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if len(l.pending) == 0 {
		return nil
	}

	if err := writeFrame(l.file, l.pending); err != nil {
		return fmt.Errorf("failed to write wal frame: %w", err)
	}
	l.size += frameHeader + int64(len(l.pending))*entrySize // close enough for rotation
	l.pending = l.pending[:0]

	if l.size >= l.cfg.MaxSegmentSize {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) rotateLocked() error {
	if err := l.file.Sync(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.seq++
	return l.openSegment()
}

func (l *Log) flushLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.logger.Warn("append log flush failed", "error", err)
			}
		}
	}
}

// ReadAll replays every complete frame across all segments, oldest
// first. Torn or corrupt trailing frames are dropped.
func (l *Log) ReadAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := segmentFiles(l.cfg.Dir)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, path := range files {
		if entries, err = readFrames(path, entries); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Truncate removes every segment; called after a clean shutdown has
// persisted all pages.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = l.pending[:0]
	if err := l.file.Close(); err != nil {
		return err
	}

	files, err := segmentFiles(l.cfg.Dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := os.Remove(path); err != nil {
			return err
		}
	}

	l.seq = 0
	return l.openSegment()
}

// Close stops the flusher, drains the buffer, and syncs the segment.
func (l *Log) Close() error {
	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}
