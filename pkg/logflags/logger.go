package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Fields are the structured fields attached to a log entry, typically the
// trace session id, the address being stepped or the party of a run.
type Fields map[string]interface{}

// Logger is the logger handed to every layer of steptrace. The loggers of
// layers disabled with --log-output discard everything below the error
// level.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Printf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// LoggerFactory builds the Logger of a layer. fields and out can be nil,
// out is the destination selected with --log-dest.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus loggers of every layer created after
// the call, a nil factory restores them.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// logrusLogger adapts a logrus entry, the With methods keep the result a
// Logger so that callers never see logrus types.
type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}
