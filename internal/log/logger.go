// Package log provides a levelled logger. Loggers are passed explicitly to the components that
// use them; there is no package-level logger.

package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anamolies that are not expected to occur during normal use.
	LevelWarning              // Logs anamolies that are expected to occur occasionally during normal use.
	LevelInfo                 // Logs major events.
	LevelDebug                // Logs detailed IO
)

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

var levelsByName = map[string]Level{
	"none":    LevelNone,
	"error":   LevelError,
	"warn":    LevelWarning,
	"warning": LevelWarning,
	"info":    LevelInfo,
	"debug":   LevelDebug,
}

// ParseLevel converts a level name ("none", "error", "warn", "info", "debug") into a Level.
func ParseLevel(name string) (Level, error) {
	if level, ok := levelsByName[name]; ok {
		return level, nil
	}
	return LevelNone, fmt.Errorf("unknown log level '%s'", name)
}

// Logger writes timestamped, labelled lines to an io.Writer.
type Logger struct {
	mu    sync.Mutex
	level Level
	out   io.Writer
	now   func() time.Time
}

// New returns a Logger that writes messages at or below level to w. A nil w writes to stderr.
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{level: level, out: w, now: time.Now}
}

// Discard returns a Logger that drops every message.
func Discard() *Logger {
	return New(io.Discard, LevelNone)
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level Level, format string, a ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}
	msg := fmt.Sprintf("%s %s ", l.now().Format(time.RFC3339), labels[level])
	msg += fmt.Sprintf(format, a...)
	fmt.Fprintln(l.out, msg)
}

func (l *Logger) Debug(format string, a ...interface{}) {
	l.log(LevelDebug, format, a...)
}
func (l *Logger) Info(format string, a ...interface{}) {
	l.log(LevelInfo, format, a...)
}
func (l *Logger) Warning(format string, a ...interface{}) {
	l.log(LevelWarning, format, a...)
}
func (l *Logger) Error(format string, a ...interface{}) {
	l.log(LevelError, format, a...)
}
