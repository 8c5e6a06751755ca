// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package commons

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide logging contract. All components receive a
// Logger through their constructor; nothing logs through a package-level
// global.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Benchmark records how long a named stage took.
	Benchmark(name string, elapsed time.Duration)
}

type applicationLogger struct {
	sugar *zap.SugaredLogger
}

// LoggerOption configures the application logger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level    zapcore.Level
	filePath string
}

// WithLevel sets the minimum log level ("debug", "info", "warn", "error").
func WithLevel(level string) LoggerOption {
	return func(c *loggerConfig) {
		if l, err := zapcore.ParseLevel(level); err == nil {
			c.level = l
		}
	}
}

// WithRotatingFile mirrors log output into a size-rotated file.
func WithRotatingFile(path string) LoggerOption {
	return func(c *loggerConfig) { c.filePath = path }
}

// NewApplicationLogger builds the standard zap-backed logger used by every
// service component.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	cfg := loggerConfig{level: zapcore.DebugLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), cfg.level),
	}
	if cfg.filePath != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.filePath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotated), cfg.level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &applicationLogger{sugar: logger.Sugar()}, nil
}

func (l *applicationLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *applicationLogger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *applicationLogger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *applicationLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }
func (l *applicationLogger) Fatalf(format string, args ...interface{}) { l.sugar.Fatalf(format, args...) }

func (l *applicationLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l *applicationLogger) Info(args ...interface{})  { l.sugar.Info(args...) }
func (l *applicationLogger) Warn(args ...interface{})  { l.sugar.Warn(args...) }
func (l *applicationLogger) Error(args ...interface{}) { l.sugar.Error(args...) }

func (l *applicationLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *applicationLogger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *applicationLogger) Benchmark(name string, elapsed time.Duration) {
	l.sugar.Infof("benchmark: %s took %s", name, elapsed)
}
