// Package corelog provides the structured logger used across the core.
package corelog

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

type logger struct {
	*log.Logger
}

var singleton *logger

func getLogger() *logger {
	once.Do(func() {
		l := log.NewWithOptions(os.Stderr, log.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          "vkcore ",
		})
		l.SetLevel(log.InfoLevel)
		singleton = &logger{l}
	})
	return singleton
}

// SetLevel changes the minimum log level, e.g. from a reloaded config file.
func SetLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		Warn("unknown log level %q, keeping current level", level)
		return
	}
	getLogger().SetLevel(lvl)
}

func Debug(msg string, args ...interface{}) { getLogger().Debugf(msg, args...) }
func Info(msg string, args ...interface{})  { getLogger().Infof(msg, args...) }
func Warn(msg string, args ...interface{})  { getLogger().Warnf(msg, args...) }
func Error(msg string, args ...interface{}) { getLogger().Errorf(msg, args...) }

// Fatal logs at error level, flushes the logger's underlying writer and
// then exits the process with status 1, matching the DeviceLost handling
// contract in spec.md §7 ("logged; process aborts after attempting to
// flush the logger").
func Fatal(msg string, args ...interface{}) {
	getLogger().Errorf(msg, args...)
	Sync()
	os.Exit(1)
}

// With returns a derived logger carrying structured key/value fields, for
// call sites that want to attach e.g. a tick number or pipeline key without
// formatting it into the message string.
func With(kv ...interface{}) *log.Logger {
	return getLogger().With(kv...)
}

// Sync flushes any buffered output. charmbracelet/log writes synchronously
// to its io.Writer on every call, so this is a no-op unless the
// application has wrapped stderr in something buffered; it exists as the
// single place that contract would be honored.
func Sync() {
	_ = os.Stderr.Sync()
}
