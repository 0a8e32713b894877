package logger

import (
	"context"

	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PgxLogger routes pgx query logs into zap.
type PgxLogger struct {
	l *zap.Logger
}

func NewPgxLogger() *PgxLogger {
	return &PgxLogger{l: L().Named("pgx").WithOptions(zap.AddCallerSkip(-1))}
}

func (p *PgxLogger) Log(ctx context.Context, lvl tracelog.LogLevel, msg string, data map[string]any) {
	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	switch lvl {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		p.l.Debug(msg, fields...)
	case tracelog.LogLevelInfo:
		p.l.Info(msg, fields...)
	case tracelog.LogLevelWarn:
		p.l.Warn(msg, fields...)
	case tracelog.LogLevelError:
		p.l.Error(msg, fields...)
	default:
		p.l.Error(msg, append(fields, zap.Stringer("pgx_log_level", lvl))...)
	}
}

// TraceLevel maps LOG_LEVEL onto pgx's tracer level. Queries are only traced at debug.
func TraceLevel(levelName string) tracelog.LogLevel {
	if parseLevel(levelName) == zapcore.DebugLevel {
		return tracelog.LogLevelDebug
	}
	return tracelog.LogLevelWarn
}
