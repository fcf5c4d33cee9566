package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the structured logger shared by every pipeline stage.
// Debug output is enabled when verbose is set.
func NewLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with the stage operation and the
// subject it works on (a file, a run id, a request id).
func WithOperation(logger *zap.Logger, operation, subject string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if subject != "" {
		fields = append(fields, zap.String("subject", subject))
	}
	return logger.With(fields...)
}
