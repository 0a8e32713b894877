// Package logger wraps a process-wide zap logger behind the small printf-style
// API the services use. Output is buffered so callers on hot paths do not
// block on the sink.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	bufferSize    = 256 * 1024
	flushInterval = time.Second
	slowThreshold = 100 * time.Millisecond
)

var (
	mu     sync.RWMutex
	root   *zap.Logger
	base   *zap.Logger
	sugar  *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	prefix string
	once   sync.Once
)

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func build(dev bool) *zap.Logger {
	var enc zapcore.Encoder
	if dev {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	}
	ws := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.Lock(os.Stderr),
		Size:          bufferSize,
		FlushInterval: flushInterval,
	}
	return zap.New(zapcore.NewCore(enc, ws, level), zap.AddCaller(), zap.AddCallerSkip(1))
}

func install(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	base = l
	if prefix != "" {
		base = base.With(zap.String("service", prefix))
	}
	sugar = base.Sugar()
}

func ensure() {
	once.Do(func() {
		level.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
		install(build(os.Getenv("APP_ENV") != "production"))
	})
}

// Init replaces the default logger. levelName follows LOG_LEVEL values.
func Init(levelName string, dev bool) {
	once.Do(func() {})
	level.SetLevel(parseLevel(levelName))
	install(build(dev))
}

// Replace installs l, mostly for tests (zaptest/observer).
func Replace(l *zap.Logger) {
	once.Do(func() {})
	install(l.WithOptions(zap.AddCallerSkip(1)))
}

// SetPrefix tags all subsequent entries with a service name ("api", "push").
func SetPrefix(p string) {
	ensure()
	mu.Lock()
	prefix = p
	mu.Unlock()
	mu.RLock()
	l := root
	mu.RUnlock()
	install(l)
}

// L returns the structured logger for callers that want typed fields.
func L() *zap.Logger {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func s() *zap.SugaredLogger {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debugf(format string, v ...any) { s().Debugf(format, v...) }
func Info(v ...any)                  { s().Info(v...) }
func Infof(format string, v ...any)  { s().Infof(format, v...) }
func Warnf(format string, v ...any)  { s().Warnf(format, v...) }
func Error(v ...any)                 { s().Error(v...) }
func Errorf(format string, v ...any) { s().Errorf(format, v...) }

// Sync flushes buffered entries; call before exit.
func Sync() {
	_ = L().Sync()
}

// LogDuration logs fn and its elapsed time. At info level only calls slower
// than 100ms are logged; at debug level every call is.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if level.Enabled(zapcore.DebugLevel) || elapsed >= slowThreshold {
		L().Info("duration", zap.String("fn", fn), zap.Int64("duration_ms", elapsed.Milliseconds()))
	}
}

// DeferLogDuration is meant for defer: defer logger.DeferLogDuration("repo.Method", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
