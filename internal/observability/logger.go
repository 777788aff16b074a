// Package observability adapts service operation callbacks to zap and
// Prometheus.
package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logMessageOperation = "timebank operation"

// ZapOperationLogger writes one structured line per service operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; a nil logger becomes a no-op.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation logs successful operations at info and failures by kind:
// internal failures at error, everything else at warn.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry timebank.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("actor", entry.Actor.String()),
		zap.String("user_id", entry.UserID.String()),
		zap.String("booking_id", entry.BookingID.String()),
		zap.String("amount", entry.Amount.String()),
		zap.Int("attempts", entry.Attempts),
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		kind := entry.Kind()
		fields = append(fields, zap.String("error_kind", kind.String()), zap.Error(entry.Error))
		level = zapcore.WarnLevel
		if kind == timebank.KindInternal {
			level = zapcore.ErrorLevel
		}
	}
	if checked := operationLogger.logger.Check(level, logMessageOperation); checked != nil {
		checked.Write(fields...)
	}
}
