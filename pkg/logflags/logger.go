package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface of rd. Every layer gets its own Logger,
// whose level decides if debug output is produced.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// DebugEnabled returns true if calls to Debugf produce output.
	DebugEnabled() bool
}

// LoggerFactory creates the Logger of a layer. level is DebugLevel when
// the layer was selected with --log-output, out is nil unless --log-dest
// was given.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus Logger created for every layer.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// Fields are attached to every entry of a Logger.
type Fields map[string]interface{}

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

func (l *logrusLogger) DebugEnabled() bool {
	return l.Entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
