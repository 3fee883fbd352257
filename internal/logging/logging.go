package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// LevelDebug is the debug log level
	LevelDebug LogLevel = iota
	// LevelInfo is the info log level
	LevelInfo
	// LevelWarn is the warning log level
	LevelWarn
	// LevelError is the error log level
	LevelError
)

var (
	currentLevel atomic.Int32
	levelOnce    sync.Once
)

// initLevel initializes the log level from environment variables
func initLevel() {
	levelOnce.Do(func() {
		currentLevel.Store(int32(levelFromEnv()))
	})
}

func levelFromEnv() LogLevel {
	// DEBUG wins over LOG_LEVEL
	if debug := os.Getenv("DEBUG"); debug != "" {
		switch strings.ToLower(debug) {
		case "1", "true", "yes", "on":
			return LevelDebug
		}
	}

	level, ok := ParseLevel(os.Getenv("LOG_LEVEL"))
	if !ok {
		return LevelInfo
	}
	return level
}

// ParseLevel converts a level name to a LogLevel. The second return value is
// false when the name is not recognized.
func ParseLevel(name string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	initLevel()
	return LogLevel(currentLevel.Load())
}

// SetLevel overrides the level read from the environment.
func SetLevel(level LogLevel) {
	initLevel()
	currentLevel.Store(int32(level))
}

// SetOutput redirects all log output. Used by the CLI to keep progress bars
// readable and by tests to capture messages.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	return GetLevel() <= LevelDebug
}

func logf(level LogLevel, tag, format string, args ...interface{}) {
	if GetLevel() <= level {
		log.Printf(tag+format, args...)
	}
}

// Debug logs a debug message (only if DEBUG=true or LOG_LEVEL=debug)
func Debug(format string, args ...interface{}) {
	logf(LevelDebug, "[DEBUG] ", format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	logf(LevelInfo, "[INFO] ", format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	logf(LevelWarn, "[WARN] ", format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	logf(LevelError, "[ERROR] ", format, args...)
}

// Fatal logs an error message and exits
func Fatal(format string, args ...interface{}) {
	log.Fatalf("[FATAL] "+format, args...)
}

// Printf is a pass-through to log.Printf for messages that should always print
func Printf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// Logger writes leveled messages tagged with a component name, e.g.
// "[INFO] [pipeline] job=... state=streaming".
type Logger struct {
	prefix string
}

// Component returns a Logger whose messages carry "[name] " after the level tag.
func Component(name string) Logger {
	return Logger{prefix: "[" + name + "] "}
}

// With returns a child logger with an extra key=value tag appended to the prefix.
func (l Logger) With(key string, value interface{}) Logger {
	return Logger{prefix: fmt.Sprintf("%s%s=%v ", l.prefix, key, value)}
}

// Debug logs at debug level.
func (l Logger) Debug(format string, args ...interface{}) {
	logf(LevelDebug, "[DEBUG] "+l.prefix, format, args...)
}

// Info logs at info level.
func (l Logger) Info(format string, args ...interface{}) {
	logf(LevelInfo, "[INFO] "+l.prefix, format, args...)
}

// Warn logs at warn level.
func (l Logger) Warn(format string, args ...interface{}) {
	logf(LevelWarn, "[WARN] "+l.prefix, format, args...)
}

// Error logs at error level.
func (l Logger) Error(format string, args ...interface{}) {
	logf(LevelError, "[ERROR] "+l.prefix, format, args...)
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}
