// Package logging builds the process logger: slog with a JSON or text
// handler, writing to stdout or a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tinoosan/modeld/internal/config"
)

// New returns a logger for cfg and the writer behind it. When the log file
// cannot be prepared the logger falls back to stdout and records a warning.
func New(cfg config.LogConfig) (*slog.Logger, io.Writer, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}

	out, outErr := buildOutput(cfg)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	logger := slog.New(h)

	if outErr != nil {
		logger.Warn("logger_fallback", "path", cfg.File, "err", outErr)
	}
	return logger, out, nil
}

func buildOutput(cfg config.LogConfig) (io.Writer, error) {
	if cfg.File == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
