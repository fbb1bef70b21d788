// Package logging builds the process logger: a console core on stderr at the
// configured level, teed with a JSON file core under Dir rotated at 1 MB.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// MaxSizeMB is the size at which the log file is rotated.
const MaxSizeMB = 1

type Config struct {
	Name  string // file name without extension
	Dir   string // empty disables the file core
	Level string // console level: debug, info, warn, error

	// Console defaults to stderr.
	Console io.Writer
}

// New returns the logger and a function that flushes and closes the file.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	consoleEnc := zap.NewDevelopmentEncoderConfig()
	consoleEnc.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.AddSync(console), level),
	}

	closeFn := func() error { return nil }
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("logging: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, cfg.Name+".log"),
			MaxSize:    MaxSizeMB,
			MaxBackups: 5,
		}
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(file), zapcore.InfoLevel))
		closeFn = file.Close
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named(cfg.Name)
	return logger, func() error {
		_ = logger.Sync()
		return closeFn()
	}, nil
}
