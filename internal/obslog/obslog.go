// Package obslog carries a structured logger through context.Context so
// every layer of an orchestration can attach bot_id/account_id/vm_id
// fields without threading a logger parameter through every signature.
package obslog

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const loggerKey contextKey = "obslog.logger"

// New builds the process logger. format is "json" or "console"; level is
// any zapcore.Level name ("debug", "info", "warn", "error").
func New(format, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// WithLogger stores logger in ctx, returning the derived context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// From returns the logger stored in ctx, or the no-op logger if none was
// ever attached — this keeps every call site safe without a nil check,
// at the cost of silently dropping logs from contexts built outside the
// request/orchestration path (tests, stray background goroutines).
func From(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.NewNop()
}

// With attaches fields to the contextual logger and returns the derived
// context carrying the sub-logger.
func With(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, From(ctx).With(fields...))
}

// WithComponent is shorthand for With(ctx, zap.String("component", name)).
func WithComponent(ctx context.Context, name string) context.Context {
	return With(ctx, zap.String("component", name))
}

// Field names shared across the control plane so log lines stay
// greppable regardless of which package emitted them.
func BotID(id string) zap.Field     { return zap.String("bot_id", id) }
func AccountID(id string) zap.Field { return zap.String("account_id", id) }
func VMID(id string) zap.Field      { return zap.String("vm_id", id) }
func RequestID(id string) zap.Field { return zap.String("request_id", id) }
