// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package process sets up the shared command plumbing: flag and
// environment configuration, logging, and error reporting at exit.
package process

import (
	"flag"
	"runtime"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Error is a process error class.
var Error = errs.Class("process error")

var (
	logLevel    = zap.LevelFlag("log.level", zapcore.InfoLevel, "the minimum log level to log")
	logDev      = flag.Bool("log.development", false, "if true, set logging to development mode")
	logCaller   = flag.Bool("log.caller", false, "if true, log function filename and line number")
	logStack    = flag.Bool("log.stack", false, "if true, log stack traces")
	logEncoding = flag.String("log.encoding", "console", "configures log encoding. can either be 'console' or 'json'")
	logOutput   = flag.String("log.output", "stderr", "can be stdout, stderr, or a filename")
)

// NewLogger creates a new logger configured by the process flags.
// Everything goes to the log output, never stdout: archive_command and
// restore_command invocations must leave stdout alone.
func NewLogger() (*zap.Logger, error) {
	return NewLoggerWithOutputPaths(*logOutput)
}

// NewLoggerWithOutputPaths is the same as NewLogger, but overrides the log output paths.
func NewLoggerWithOutputPaths(outputPaths ...string) (*zap.Logger, error) {
	levelEncoder := zapcore.CapitalColorLevelEncoder
	if runtime.GOOS == "windows" {
		levelEncoder = zapcore.CapitalLevelEncoder
	}

	return zap.Config{
		Level:             zap.NewAtomicLevelAt(*logLevel),
		Development:       *logDev,
		DisableCaller:     !*logCaller,
		DisableStacktrace: !*logStack,
		Encoding:          *logEncoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    levelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputPaths,
		ErrorOutputPaths: outputPaths,
	}.Build()
}
