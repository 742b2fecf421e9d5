package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Sink consumes events from the router.
type Sink interface {
	Start(ctx context.Context, events <-chan Event) error
	Stop() error
}

// LogRotation bounds the event log on disk. Zero values use lumberjack's
// defaults: 100 MB files, every backup kept, no age limit.
type LogRotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LogSink appends events to a JSON lines file, one object per event. Each
// Start moves a non-empty previous log aside so a process's events begin
// in a fresh file.
type LogSink struct {
	path   string
	out    *lumberjack.Logger
	logger *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	written int
}

// NewLogSink returns a sink for path. A nil logger uses slog.Default.
func NewLogSink(path string, rotation LogRotation, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{
		path:   path,
		logger: logger,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAgeDays,
			Compress:   rotation.Compress,
		},
	}
}

// Start opens the log and consumes events until the channel closes or ctx
// is done.
func (s *LogSink) Start(ctx context.Context, events <-chan Event) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return errors.New("log sink already started")
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create event log directory: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil && info.Size() > 0 {
		if err := s.out.Rotate(); err != nil {
			return fmt.Errorf("rotate event log: %w", err)
		}
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat event log: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.done = done
	s.mu.Unlock()

	go s.run(ctx, events, done)
	return nil
}

func (s *LogSink) run(ctx context.Context, events <-chan Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.write(event)
		}
	}
}

func (s *LogSink) write(event Event) {
	line, err := json.Marshal(event)
	if err == nil {
		_, err = s.out.Write(append(line, '\n'))
	}
	if err != nil {
		s.logger.Error("event log write failed",
			"event_type", event.Type(),
			"run_id", event.RunID(),
			"error", err)
		return
	}
	s.mu.Lock()
	s.written++
	s.mu.Unlock()
}

// Stop waits for the consumer to finish and closes the file. Stopping a
// sink that never started is a no-op.
func (s *LogSink) Stop() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	return s.out.Close()
}

// Path returns the log file path.
func (s *LogSink) Path() string {
	return s.path
}

// Written returns how many events were written.
func (s *LogSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
