package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level orders log messages by importance.
type Level int

const (
	LevelSilent Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelSilent:
		return "silent"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel accepts the names printed by Level.String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off":
		return LevelSilent, nil
	case "error":
		return LevelError, nil
	case "warn", "warning", "":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelWarn, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger is a leveled wrapper around the standard logger. A nil *Logger
// writes through the package default.
type Logger struct {
	mu    sync.Mutex
	level Level
	out   *log.Logger
}

const logFlags = log.LstdFlags | log.Lmicroseconds

var std = NewLogger(os.Stderr, LevelInfo)

func NewLogger(w io.Writer, level Level) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{level: level, out: log.New(w, "[stixgate] ", logFlags)}
}

// Default returns the process wide logger.
func Default() *Logger { return std }

// SetOutput redirects the default logger, typically to a rotating file.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	std.out.SetOutput(w)
	std.mu.Unlock()
}

func SetLevel(level Level) { std.SetLevel(level) }

func (l *Logger) SetLevel(level Level) {
	if l == nil {
		std.SetLevel(level)
		return
	}
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) Level() Level {
	if l == nil {
		return std.Level()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, "ERROR", format, args) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, "WARN", format, args) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, "INFO", format, args) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, "DEBUG", format, args) }

func (l *Logger) logf(level Level, tag, format string, args []interface{}) {
	if l == nil {
		l = std
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level < level {
		return
	}
	l.out.Printf(tag+": "+format, args...)
}

func Logf(format string, args ...interface{}) {
	std.Infof(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	std.mu.Lock()
	out := std.out
	std.mu.Unlock()
	out.Fatalf(format, args...)
}
