// Package klog is the kernel-wide structured logger.
//
// Every subsystem that needs to report a contained failure (heap
// corruption, a double free, a slab ownership mismatch, a deadline miss)
// logs through here instead of panicking. The kernel never aborts on
// a data-structure invariant violation.
package klog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.Mutex
	log = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: false})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the global verbosity, e.g. to logrus.DebugLevel during
// test runs that want to see allocator chatter.
func SetLevel(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	log.SetLevel(level)
}

// L returns the shared logger instance with a subsystem field attached.
func L(subsystem string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return log.WithField("subsys", subsystem)
}

// Corruption logs a contained memory-corruption diagnostic. Callers refuse
// the operation that triggered it rather than propagating the log call
// into a panic.
func Corruption(subsystem, msg string, fields logrus.Fields) {
	L(subsystem).WithFields(fields).Warn(msg)
}
