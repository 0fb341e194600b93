// Package klog is the kernel diagnostic channel. Unlike kfmt, which drives
// the primary console and never allocates, klog produces structured entries
// (module, tick, fields) and is meant to be attached to the serial port once
// the heap is online.
package klog

import (
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/kernel"
)

var (
	std = newLogger()

	errUnknownLevel = &kernel.Error{Module: "klog", Message: "unknown log level", Kind: kernel.KindConfig}
)

func newLogger() *log.Logger {
	l := log.New()
	// Entries are emitted from interrupt handlers too. An interrupt that
	// arrives while the preempted code holds the logger mutex would never
	// get it back, so writers must do their own (interrupt safe) locking.
	l.SetNoLock()
	l.SetOutput(io.Discard)
	l.SetLevel(log.InfoLevel)
	l.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
		DisableSorting:   false,
		QuoteEmptyFields: true,
	})
	return l
}

// Init attaches the diagnostic channel to w and sets the minimum level that
// gets emitted. A nil writer discards all entries.
func Init(w io.Writer, level log.Level) {
	if w == nil {
		w = io.Discard
	}
	std.SetOutput(w)
	std.SetLevel(level)
}

// AddHook registers a hook that runs for every emitted entry.
func AddHook(h log.Hook) {
	std.AddHook(h)
}

// Reset restores the logger to its initial state (no output, no hooks).
func Reset() {
	std = newLogger()
}

// ParseLevel maps a boot command line level name to a log level.
func ParseLevel(name string) (log.Level, *kernel.Error) {
	switch strings.ToLower(name) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "", "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, errUnknownLevel
	}
}

// Module returns a logger entry tagged with the supplied module name.
func Module(name string) *log.Entry {
	return std.WithField("module", name)
}

// Error logs a kernel error including its module and kind.
func Error(err *kernel.Error) {
	if err == nil {
		return
	}
	std.WithFields(log.Fields{
		"module": err.Module,
		"kind":   err.Kind.String(),
	}).Error(err.Message)
}

// TickHook adds the current timer tick to every log entry.
type TickHook struct {
	Ticks func() uint64
}

// Levels implements log.Hook.
func (h TickHook) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements log.Hook.
func (h TickHook) Fire(e *log.Entry) error {
	if h.Ticks != nil {
		e.Data["tick"] = h.Ticks()
	}
	return nil
}
