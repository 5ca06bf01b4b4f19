// Package log provides the jobtree manager's logger. It is a thin wrapper
// around the standard library log.Logger adding level methods and a
// job-annotated derivative, in the style of a LoggerAdapter.
package log

import (
	"fmt"
	"io"
	"log"
	"runtime"
	"strings"
)

// New creates a Logger instance writing to w.
func New(w io.Writer, prefix string) *Logger {
	return &Logger{
		std: log.New(
			w,
			prefix,
			log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC|log.Lmsgprefix,
		),
	}
}

// Logger represents a logging object that writes output to an io.Writer.
// Logger is thread-safe; it guarantees to serialize access to the Writer.
type Logger struct {
	std *log.Logger
}

// WithJob returns a derived Logger whose prefix embeds the given job
// ident, standing in for the original job-annotated LoggerAdapter.
func (l *Logger) WithJob(ident string) *Logger {
	return &Logger{std: log.New(l.std.Writer(), fmt.Sprintf("%s[%s] ", l.std.Prefix(), ident), l.std.Flags())}
}

// Criticalf prints a critical log-level message.
func (l *Logger) Criticalf(msg string, args ...interface{}) { l.print("CRITICAL", msg, args...) }

// Errorf prints an error log-level message.
func (l *Logger) Errorf(msg string, args ...interface{}) { l.print("ERROR", msg, args...) }

// Warnf prints a warn log-level message.
func (l *Logger) Warnf(msg string, args ...interface{}) { l.print("WARN", msg, args...) }

// Infof prints an info log-level message.
func (l *Logger) Infof(msg string, args ...interface{}) { l.print("INFO", msg, args...) }

// Debugf prints a debug log-level message.
func (l *Logger) Debugf(msg string, args ...interface{}) { l.print("DEBUG", msg, args...) }

func (l *Logger) print(level, msg string, args ...interface{}) {
	file, line := caller(3)
	l.std.Printf("[%s] %s:%d --- %s", level, file, line, fmt.Sprintf(msg, args...))
}

func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth)
	parts := strings.Split(file, "/")

	// shorten file if it consists of more than 3 parts
	if len(parts) > 3 {
		file = strings.Join(parts[len(parts)-3:], "/")
	}
	if !ok {
		file = "???"
		line = 0
	}
	return file, line
}
