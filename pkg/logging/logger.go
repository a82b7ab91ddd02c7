// Package logging implements the finitd logging subsystem, a thin
// domain-specific wrapper around zap that keeps the five-level vocabulary
// (debug/info/notice/warn/error) an init system's log output has used since
// syslog priorities were named LOG_DEBUG..LOG_ERR.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the logging level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelNotice:
		return "NOTICE"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		// Notice has no zap equivalent; it logs at InfoLevel with a
		// "notice" field so it can still be filtered downstream.
		return zapcore.InfoLevel
	}
}

// Logger wraps a *zap.Logger with the level vocabulary a finit-derived
// supervisor expects (Debug/Info/Notice/Warn/Error) plus a few
// service-lifecycle helpers used throughout the core.
type Logger struct {
	z     *zap.Logger
	level Level
	atom  zap.AtomicLevel
}

// New creates a Logger that writes console-formatted output to stderr,
// filtered to the given minimum level. Console (not JSON) encoding matches
// what an operator watching a boot console expects to read.
func New(level Level) *Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	atom := zap.NewAtomicLevelAt(level.zapLevel())
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		atom,
	)
	return &Logger{z: zap.New(core), level: level, atom: atom}
}

// SetLevel changes the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.level = level
	l.atom.SetLevel(level.zapLevel())
}

// With returns a child logger with structured fields attached to every
// subsequent message, e.g. logger.With("service", name).
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{z: l.z.Sugar().With(kv...).Desugar(), level: l.level, atom: l.atom}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	sugar := l.z.Sugar()
	switch level {
	case LevelDebug:
		sugar.Debugf(format, args...)
	case LevelNotice:
		sugar.With("notice", true).Infof(format, args...)
	case LevelWarn:
		sugar.Warnf(format, args...)
	case LevelError:
		sugar.Errorf(format, args...)
	default:
		sugar.Infof(format, args...)
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Notice logs at notice level.
func (l *Logger) Notice(format string, args ...interface{}) { l.log(LevelNotice, format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Sync flushes any buffered log entries. Call before process exit.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// ServiceStarted logs a service reaching the running state.
func (l *Logger) ServiceStarted(cmd, id string) {
	l.z.Sugar().Infof("service '%s:%s' running", cmd, id)
}

// ServiceStopped logs a service reaching a terminal (halted/done) state.
func (l *Logger) ServiceStopped(cmd, id string) {
	l.z.Sugar().Infof("service '%s:%s' stopped", cmd, id)
}

// ServiceCrashed logs a service exhausting its respawn budget.
func (l *Logger) ServiceCrashed(cmd, id string, restarts int) {
	l.z.Sugar().Errorf("service '%s:%s' crashed after %d restarts, giving up", cmd, id, restarts)
}
