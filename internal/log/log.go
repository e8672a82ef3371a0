// Package log provides the process-wide logger.
package log

import (
	"io"
	"os"
	"sync"

	"firestige.xyz/tap/internal/config"
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

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	once   sync.Once
	mu     sync.RWMutex
	logger Logger
	closer io.Closer
)

func init() {
	l, _ := newLogger(config.LogConfig{Level: "info", Format: "text"}, os.Stdout)
	logger = l
}

// GetLogger returns the process logger. Before Init it writes text at info
// level to stdout.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the process logger once, from configuration.
func Init(cfg config.LogConfig) error {
	var err error
	once.Do(func() {
		out, c := output(cfg.File)
		var l Logger
		l, err = newLogger(cfg, out)
		if err != nil {
			return
		}
		mu.Lock()
		logger = l
		closer = c
		mu.Unlock()
	})
	return err
}

// Close releases the log file opened by Init, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}

// New builds a standalone Logger writing to out. Components take one in
// tests to capture their output.
func New(cfg config.LogConfig, out io.Writer) (Logger, error) {
	return newLogger(cfg, out)
}
