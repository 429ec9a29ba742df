// Package logging builds the process logger: a console logger on stderr, or
// JSON lines in a rotating file when a log file is configured.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration options.
type Config struct {
	// Level is the minimum level to emit: debug, info, warn or error.
	Level string
	// File, if set, is the path of the log file. Logs then go to the file
	// only, rotated by size.
	File string
	// MaxSizeMB is the maximum size in megabytes of a single log file before rotation.
	MaxSizeMB int
	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int
	// MaxAgeDays is the maximum number of days to retain old log files.
	MaxAgeDays int
	// Compress determines if rotated log files should be compressed.
	Compress bool
	// JSON selects the JSON encoder for console output.
	JSON bool
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		MaxSizeMB:  50,
		MaxBackups: 10,
		MaxAgeDays: 14,
		Compress:   true,
	}
}

// Setup builds a logger from cfg and installs it as the global logger.
// The returned function flushes the logger and closes the log file.
func Setup(cfg *Config) (*zap.Logger, func() error, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var (
		core    zapcore.Core
		closeFn = func() error { return nil }
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		core = zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), level)
		closeFn = lj.Close
	} else {
		enc := zapcore.NewConsoleEncoder(encCfg)
		if cfg.JSON {
			enc = zapcore.NewJSONEncoder(encCfg)
		}
		core = zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	}

	logger := zap.New(core, zap.AddCaller())
	setGlobal(logger)
	return logger, func() error {
		_ = logger.Sync()
		return closeFn()
	}, nil
}

var global atomic.Pointer[zap.Logger]

func setGlobal(l *zap.Logger) {
	global.Store(l)
}

// L returns the global logger. If Setup has not been called, it returns a
// no-op logger.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

type ctxKey struct{}

// With returns a copy of ctx carrying l.
func With(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger carried by ctx, or the global logger.
func From(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return L()
}

// WithFields returns a copy of ctx whose logger carries fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return With(ctx, From(ctx).With(fields...))
}
