// Package logging configures the process-wide logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures a logrus logger from config values and returns it.
// Unknown levels default to info; format is "json" or "text".
func Setup(level, format string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out != nil {
		logger.SetOutput(out)
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Component returns a child entry tagged with a component name, so every
// line says which part of the system wrote it.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// Validate rejects config values Setup would silently coerce, for the
// config validation path where a typo should be loud.
func Validate(level, format string) error {
	if _, err := logrus.ParseLevel(strings.ToLower(level)); err != nil {
		return fmt.Errorf("unknown log level %q", level)
	}
	switch strings.ToLower(format) {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
}
