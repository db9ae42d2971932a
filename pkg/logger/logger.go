// Package logger provides the application's structured logger.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output io.Writer
}

// Logger wraps logrus with the configuration used across the service.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from config, falling back to info/text on stdout.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return New(LoggingConfig{Output: io.Discard})
}
