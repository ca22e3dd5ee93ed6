// Package util provides low-level helpers shared by all other packages.
package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Level maps a verbosity step onto the logrus level ladder:
// quiet → warn, normal → info, verbose → debug, debug → trace.
func (l LogLevel) Level() logrus.Level {
	switch {
	case l <= LogQuiet:
		return logrus.WarnLevel
	case l == LogNormal:
		return logrus.InfoLevel
	case l == LogVerbose:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// NewLogger returns a logrus logger writing to stderr at the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *logrus.Logger {
	return NewLoggerTo(os.Stderr, verbosity)
}

// NewLoggerTo is [NewLogger] with an explicit output writer.  Full
// timestamps are enabled automatically in debug mode.
func NewLoggerTo(w io.Writer, verbosity int) *logrus.Logger {
	lvl := LogLevel(verbosity)
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(lvl.Level())
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    lvl >= LogDebug,
		DisableTimestamp: lvl < LogDebug,
		TimestampFormat:  "15:04:05.000",
	})
	return l
}

// DiscardLogger returns a logger that drops everything.  Components
// fall back to it when no logger is configured.
func DiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}
