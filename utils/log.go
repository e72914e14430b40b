package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a flag value onto a LogLevel. Unknown names fall back to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "critical":
		return CRITICAL
	default:
		return INFO
	}
}

// logSink is shared by a logger and every child created with With.
type logSink struct {
	mu       sync.Mutex
	minLevel LogLevel
	file     *os.File
	out      io.Writer
}

// Logger writes leveled, printf-style lines. A Logger created with With
// prefixes its lines with a role tag and shares the parent's sink.
type Logger struct {
	sink *logSink
	role string
}

func NewFileLogger(filePath string, minLevel LogLevel, alsoStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	s := &logSink{minLevel: minLevel, file: f}
	if alsoStdout {
		s.out = os.Stdout
	}
	return &Logger{sink: s}, nil
}

// NewLogger writes to w only. Used by tests and by callers that do not want a log file.
func NewLogger(w io.Writer, minLevel LogLevel) *Logger {
	return &Logger{sink: &logSink{minLevel: minLevel, out: w}}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLogger(io.Discard, CRITICAL+1)
}

// With returns a child logger tagged with role.
func (l *Logger) With(role string) *Logger {
	if l.role != "" {
		role = l.role + "/" + role
	}
	return &Logger{sink: l.sink, role: role}
}

func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.file != nil {
		err := l.sink.file.Close()
		l.sink.file = nil
		return err
	}
	return nil
}

func (l *Logger) SetMinLevel(level LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.minLevel = level
}

// Enabled reports whether a line at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return level >= l.sink.minLevel
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.minLevel {
		return
	}

	ts := time.Now().Format(time.RFC3339Nano)
	var line string
	if l.role != "" {
		line = fmt.Sprintf("%s [%s] [%s] %s\n", ts, level.String(), l.role, fmt.Sprintf(msg, args...))
	} else {
		line = fmt.Sprintf("%s [%s] %s\n", ts, level.String(), fmt.Sprintf(msg, args...))
	}

	if s.file != nil {
		_, _ = s.file.WriteString(line)
		_ = s.file.Sync()
	}
	if s.out != nil {
		_, _ = io.WriteString(s.out, line)
	}
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }
