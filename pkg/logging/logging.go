package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface shared by all gateway components. Both
// *logrus.Logger and *logrus.Entry satisfy it, so component loggers can be
// derived with WithField without changing types downstream.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// New creates the root logger with the given level string. Unknown levels
// fall back to info.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if parsed, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	}
	return log
}

// Component derives a logger tagged with a component name.
func Component(log Logger, name string) Logger {
	return log.WithField("component", name)
}
