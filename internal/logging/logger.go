package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production ready structured logger at the given level.
// An empty or unknown level falls back to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return cfg.Build()
}

// NewCLILogger builds a human readable logger for interactive commands.
func NewCLILogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and subject identifiers.
func WithOperation(logger *zap.Logger, operation, subject string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if subject != "" {
		fields = append(fields, zap.String("subject", subject))
	}
	return logger.With(fields...)
}
