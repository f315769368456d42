// Package log provides the process logger: a logrus backend behind a small
// interface, with a pattern formatter and pluggable appenders.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"firestige.xyz/zephyr/internal/config"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

const (
	defaultPattern = "%time [%level] %field: %msg\n"
	defaultTime    = "2006-01-02 15:04:05.000"
)

var (
	once   sync.Once
	mu     sync.RWMutex
	logger Logger = newLogrusAdapter(defaultPattern, defaultTime, logrus.InfoLevel, os.Stdout)
)

// GetLogger returns the process logger. Before Init it logs at info level to
// stdout.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init configures the process logger. Only the first call has any effect.
func Init(cfg config.LogConfig) error {
	var err error
	once.Do(func() {
		var l Logger
		l, err = New(cfg)
		if err == nil {
			mu.Lock()
			logger = l
			mu.Unlock()
		}
	})
	return err
}

// Reconfigure replaces the process logger, e.g. after a config reload.
func Reconfigure(cfg config.LogConfig) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	once.Do(func() {})
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// New builds a logger from cfg without touching the process logger.
func New(cfg config.LogConfig) (Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = defaultPattern
	}
	timeLayout := cfg.Time
	if timeLayout == "" {
		timeLayout = defaultTime
	}

	out := NewMultiWriter().Add(os.Stdout)
	if cfg.File.Enabled {
		out.AddFileAppender(FileAppenderOpt{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.Rotation.MaxSizeMB,
			MaxBackups: cfg.File.Rotation.MaxBackups,
			MaxAge:     cfg.File.Rotation.MaxAgeDays,
			Compress:   cfg.File.Rotation.Compress,
		})
	}
	return newLogrusAdapter(pattern, timeLayout, level, out), nil
}

// NewWithWriter builds a logger writing to w, mainly for tests.
func NewWithWriter(w io.Writer, level string) (Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return newLogrusAdapter(defaultPattern, defaultTime, lvl, w), nil
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	return newLogrusAdapter(defaultPattern, defaultTime, logrus.PanicLevel, io.Discard)
}
