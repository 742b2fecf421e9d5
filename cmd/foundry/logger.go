package main

import (
	"io"
	"log/slog"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/npratt/foundry/internal/config"
	"github.com/npratt/foundry/internal/events"
)

// debugLogName is the rotating log file written next to the event log.
const debugLogName = "foundry-debug.log"

// FileLoggerResult contains the results of setting up file logging.
type FileLoggerResult struct {
	Logger   *slog.Logger
	LogFile  io.WriteCloser
	FilePath string
}

// Close closes the log file if it was opened.
func (r *FileLoggerResult) Close() error {
	if r.LogFile != nil {
		return r.LogFile.Close()
	}
	return nil
}

// SetupFileLogger creates a logger that writes JSON to a rotating file in
// logDir instead of stderr. A detached daemon has no stderr to write to,
// and run output on a terminal stays readable.
func SetupFileLogger(logDir string, level slog.Leveler, rotationCfg config.LogRotationConfig) *FileLoggerResult {
	path := filepath.Join(logDir, debugLogName)

	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotationCfg.MaxSizeMB,
		MaxBackups: rotationCfg.MaxBackups,
		MaxAge:     rotationCfg.MaxAgeDays,
		Compress:   rotationCfg.Compress,
	}

	return &FileLoggerResult{
		Logger:   NewLogger(writer, level),
		LogFile:  writer,
		FilePath: path,
	}
}

// NewLogger creates a JSON logger writing to w.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// newEventLog returns the JSON lines sink for cfg's event log, rotated
// with the same limits as the debug log.
func newEventLog(cfg *config.Config, logger *slog.Logger) *events.LogSink {
	rot := cfg.LogRotation
	return events.NewLogSink(cfg.Paths.Log, events.LogRotation{
		MaxSizeMB:  rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAgeDays: rot.MaxAgeDays,
		Compress:   rot.Compress,
	}, logger)
}
