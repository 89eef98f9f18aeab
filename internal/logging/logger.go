// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environments.
const (
	Production  = "production"
	Development = "development"
)

// Options configures New.
type Options struct {
	// Path is the JSON log file. Empty logs to stderr only.
	Path string
	// Environment selects the console format: colored levels in
	// development, plain otherwise.
	Environment string
	Level       string
	// Console overrides stderr, for tests.
	Console zapcore.WriteSyncer
}

// New creates a zap logger that writes JSON to the log file and a
// human-readable copy to stderr. The PID is included as an initial field.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}
	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stderr)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encoderCfg
	if opts.Environment == Development {
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), console, level),
	}

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), level))
	}

	zopts := []zap.Option{zap.Fields(zap.Int("pid", os.Getpid()))}
	if opts.Environment == Development {
		zopts = append(zopts, zap.AddCaller(), zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), zopts...), nil
}
