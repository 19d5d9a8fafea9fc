// File: logging/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package logging is the leveled logger facade used by every tcpcore
// package. It wraps a zap SugaredLogger writing to stderr by default;
// UseFileWriter swaps the sink for a size-rotated file.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	level  zap.AtomicLevel
	logger *zap.SugaredLogger
)

func init() {
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = newLogger(zapcore.Lock(os.Stderr))
}

func newLogger(ws zapcore.WriteSyncer) *zap.SugaredLogger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), ws, level)
	return zap.New(core).Sugar()
}

// SetLevel changes the minimum level emitted by the package functions.
func SetLevel(l zapcore.Level) { level.SetLevel(l) }

// SetLogger replaces the backing logger. Intended for embedding tcpcore
// into an application that already carries its own zap tree.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger = l
	}
}

// UseFileWriter redirects output to path with lumberjack size rotation.
// maxSizeMB bounds a single file, maxBackups bounds the rotated set.
func UseFileWriter(path string, maxSizeMB, maxBackups int) {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	logger = newLogger(zapcore.AddSync(lj))
}

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) { logger.Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...interface{}) { logger.Infof(format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...interface{}) { logger.Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) { logger.Errorf(format, args...) }
