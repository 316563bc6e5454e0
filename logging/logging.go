// Package logging builds the zap loggers used across the worker.
package logging

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a sugared logger at level. JSON output uses the production
// encoder, otherwise a colored console encoder is used.
func New(level string, json bool) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	var cfg zap.Config
	if json {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel

	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger.Sugar(), nil
}

// Retryable adapts a zap logger to the retryablehttp leveled logger.
// Request chatter goes to debug.
func Retryable(logger *zap.SugaredLogger) retryablehttp.LeveledLogger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return retryableLogger{logger.Named("http")}
}

type retryableLogger struct {
	l *zap.SugaredLogger
}

func (r retryableLogger) Error(msg string, kv ...interface{}) { r.l.Warnw(msg, kv...) }
func (r retryableLogger) Info(msg string, kv ...interface{})  { r.l.Debugw(msg, kv...) }
func (r retryableLogger) Debug(msg string, kv ...interface{}) { r.l.Debugw(msg, kv...) }
func (r retryableLogger) Warn(msg string, kv ...interface{})  { r.l.Debugw(msg, kv...) }
