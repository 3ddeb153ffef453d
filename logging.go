package raft

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newServerLogger builds the SugaredLogger used by a Server. Level mirrors
// the teacher's serverLogger(logLevel) factory.
func newServerLogger(level zapcore.Level) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Building the production config only fails on a bad encoder/level,
		// neither of which this call site can hit; fall back rather than
		// leave the server without a logger.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// logFields prefixes a structured logging call with the server's identity
// (id, current role, current term) so every log line is attributable
// without the caller repeating it, then appends any call-specific fields.
func logFields(s *Server, kvs ...interface{}) []interface{} {
	fields := []interface{}{
		"id", s.id,
		"role", s.role().String(),
		"term", s.currentTerm(),
	}
	return append(fields, kvs...)
}
