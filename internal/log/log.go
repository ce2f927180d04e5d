// Package log provides the structured logger used across the runtime.
//
// It follows the tiered tracing model adapted from item_collection_base's
// trace_level(): Trace/Debug carry the per-put/per-get diagnostics, Warn
// carries recoverable programmer errors (duplicate put, stale get-count),
// and Error/Fatal/Panic carry assertion violations that the scheduler turns
// into process aborts.
package log

import (
	"sync"
)

// Logger is the minimal structured-logging surface the runtime depends on.
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
	logger Logger
)

// GetLogger returns the process-wide logger, lazily defaulting to
// DefaultConfig if Init was never called.
func GetLogger() Logger {
	if logger == nil {
		Init(DefaultConfig())
	}
	return logger
}

// Init configures the global logger. Only the first call has any effect;
// the runtime calls this once during process bootstrap.
func Init(cfg *Config) {
	once.Do(func() {
		if err := initByConfig(cfg); err != nil {
			panic(err)
		}
	})
}
