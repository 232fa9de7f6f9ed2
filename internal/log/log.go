// Package log provides the worker's structured logging facade.
package log

import (
	"io"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// New creates a Logger instance that writes to w, tagging every line with
// the given component name.
func New(w io.Writer, component string) Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	})
	return Logger{entry: base.WithField("component", component)}
}

// Logger represents a logging object that writes structured, leveled
// messages to an io.Writer-backed logrus.Logger. Logger is safe for
// concurrent use; logrus serializes access to the underlying writer.
type Logger struct {
	entry *logrus.Entry
}

// With returns a Logger carrying an additional structured field, e.g.
// logger.With("job_id", id).Infof("spawned").
func (l Logger) With(key string, value interface{}) Logger {
	return Logger{entry: l.entry.WithField(key, value)}
}

// Errorf prints an error log-level message.
func (l Logger) Errorf(msg string, args ...interface{}) {
	l.caller().Errorf(msg, args...)
}

// Warnf prints a warn log-level message.
func (l Logger) Warnf(msg string, args ...interface{}) {
	l.caller().Warnf(msg, args...)
}

// Infof prints an info log-level message.
func (l Logger) Infof(msg string, args ...interface{}) {
	l.caller().Infof(msg, args...)
}

func (l Logger) caller() *logrus.Entry {
	file, line := caller(3)
	return l.entry.WithField("src", file).WithField("line", line)
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
