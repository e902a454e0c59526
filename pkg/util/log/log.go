// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package log exposes a process-wide logger so call sites don't need to
// thread a logger value through every constructor. The backend is zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}

// SetupLogger configures the global logger for the given level and
// environment. In development the console encoder is used instead of JSON.
func SetupLogger(level string, development bool) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	logger = l.Sugar()
	mu.Unlock()
	return nil
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debugf formats message according to format specifier and logs it at the debug level.
func Debugf(format string, params ...interface{}) {
	get().Debugf(format, params...)
}

// Infof formats message according to format specifier and logs it at the info level.
func Infof(format string, params ...interface{}) {
	get().Infof(format, params...)
}

// Warnf formats message according to format specifier and logs it at the warning level.
func Warnf(format string, params ...interface{}) {
	get().Warnf(format, params...)
}

// Errorf formats message according to format specifier and logs it at the error level.
func Errorf(format string, params ...interface{}) {
	get().Errorf(format, params...)
}

// Debug logs at the debug level.
func Debug(args ...interface{}) {
	get().Debug(args...)
}

// Info logs at the info level.
func Info(args ...interface{}) {
	get().Info(args...)
}

// Warn logs at the warning level.
func Warn(args ...interface{}) {
	get().Warn(args...)
}

// Error logs at the error level.
func Error(args ...interface{}) {
	get().Error(args...)
}

// Flush flushes any buffered log entries.
func Flush() {
	_ = get().Sync()
}
