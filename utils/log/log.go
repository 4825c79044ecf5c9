// Package log configures the process wide logrus logger for binaries
// and simulations. Library packages import logrus directly.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Options selects where and how verbosely to log.
type Options struct {
	// Level is a logrus level name, "info" when empty.
	Level string
	// File, when set, receives the log instead of stderr.
	File string
	// JSON switches to the JSON formatter.
	JSON bool
}

// Setup applies opts to the standard logrus logger. The returned closer
// releases the log file, it is a no-op when logging to stderr.
func Setup(opts Options) (io.Closer, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log: %w", err)
		}
		level = parsed
	}
	logrus.SetLevel(level)

	if opts.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.File == "" {
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	logrus.SetOutput(file)
	return file, nil
}

// Discard silences logging, used by tests that drive thousands of
// protocol steps.
func Discard() {
	logrus.SetOutput(io.Discard)
	logrus.SetLevel(logrus.PanicLevel)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
