// Package log provides librats's logging surface, a thin wrapper over
// log/slog. librats's own upstream treats slog as the idiomatic choice for
// a library that shouldn't force a logging framework on its callers; we
// follow the same idiom rather than pulling in zap or logrus.
package log

import (
	"io"
	"log/slog"
	"os"
)

var (
	currentLevel  = slog.LevelInfo
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: currentLevel}))
)

// SetOutput redirects the default logger's output, preserving its level.
func SetOutput(w io.Writer) {
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: currentLevel}))
	slog.SetDefault(defaultLogger)
}

// SetLevel recreates the default logger at the given level.
func SetLevel(level slog.Level) {
	currentLevel = level
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(defaultLogger)
}

// Logger is a component-tagged logger. Every call reads this package's
// current default logger, so SetOutput/SetLevel take effect for loggers
// already handed out to subsystems.
type Logger struct {
	component string
}

// Named returns a Logger tagging every message with component.
func Named(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) with() *slog.Logger {
	if defaultLogger == nil {
		return slog.Default().With("component", l.component)
	}
	return defaultLogger.With("component", l.component)
}

func (l *Logger) Debug(msg string, args ...any) { l.with().Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.with().Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.with().Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.with().Error(msg, args...) }
