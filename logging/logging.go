// Package logging builds the service logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options for NewLogger. The zero value logs info and above to stderr.
type Options struct {
	Debug bool
	// File, when set, also receives JSON entries and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger returns a sugared logger writing human readable lines to stderr
// and, optionally, JSON lines to a rotating file.
func NewLogger(name string, opts Options) *zap.SugaredLogger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}

	if opts.File != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(newRotator(opts)),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar().Named(name)
}

func newRotator(opts Options) *lumberjack.Logger {
	r := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	if r.MaxSize == 0 {
		r.MaxSize = 50
	}
	if r.MaxBackups == 0 {
		r.MaxBackups = 5
	}
	return r
}
