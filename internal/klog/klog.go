// Package klog is the structured-logging facade shared by every kernel-core
// subsystem. It follows the teacher's package-level "global logger" design
// (a single RWMutex-guarded handle, set once at boot, read everywhere) but
// backs it with a real structured-logging library instead of a hand-rolled
// one: github.com/joeycumines/logiface, writing through the
// github.com/joeycumines/stumpy JSON encoder by default.
//
// Design Decision: a package-level global is appropriate here because the
// scheduler, frame table, swap area, and buffer cache are all process-wide
// singletons already (see DESIGN.md's internal/klog notes); giving
// each its own logger handle would just be the same *Logger value copied
// everywhere.
package klog

import (
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Category names the subsystem emitting a log line. Kept as a plain string
// (not an enum) because new categories are added as components are built,
// mirroring the teacher's LogEntry.Category field.
type Category string

const (
	CategoryScheduler  Category = "scheduler"
	CategoryAlarm      Category = "alarm"
	CategoryFrameTable Category = "frametable"
	CategorySwap       Category = "swap"
	CategoryVM         Category = "vm"
	CategoryPageFault  Category = "pagefault"
	CategoryCache      Category = "cache"
	CategoryDisk       Category = "disk"
	CategoryProcess    Category = "process"
)

var global struct {
	sync.RWMutex
	logger *logiface.Logger[*stumpy.Event]
}

// Set installs the logger used by every subsequent call into this package.
// Typically called once, during kernel boot, before any thread is created.
func Set(logger *logiface.Logger[*stumpy.Event]) {
	global.Lock()
	defer global.Unlock()
	global.logger = logger
}

// Default builds the out-of-the-box logger: stumpy JSON encoding to the
// supplied writer at LevelInfo and above. Kernel boot code calls
// klog.Set(klog.Default(os.Stderr)) unless the embedder supplies its own.
func Default(w writerTo) *logiface.Logger[*stumpy.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	)
}

// writerTo is the minimal surface Default needs; satisfied by *os.File,
// bytes.Buffer, or any io.Writer.
type writerTo interface {
	Write(p []byte) (n int, err error)
}

func get() *logiface.Logger[*stumpy.Event] {
	global.RLock()
	defer global.RUnlock()
	return global.logger
}

// Info logs an informational event for the given category with the supplied
// field-setting callback, e.g.:
//
//	klog.Info(CategoryFrameTable, "evicted frame", func(b *logiface.Builder[*stumpy.Event]) {
//		b.Uint64("phys_addr", uint64(f.PhysAddr))
//	})
func Info(cat Category, msg string, fields func(*logiface.Builder[*stumpy.Event])) {
	emit(func(l *logiface.Logger[*stumpy.Event]) *logiface.Builder[*stumpy.Event] { return l.Info() }, cat, msg, fields)
}

// Warn logs a warning event, see Info.
func Warn(cat Category, msg string, fields func(*logiface.Builder[*stumpy.Event])) {
	emit(func(l *logiface.Logger[*stumpy.Event]) *logiface.Builder[*stumpy.Event] { return l.Warning() }, cat, msg, fields)
}

// Error logs an error event, see Info.
func Error(cat Category, msg string, err error, fields func(*logiface.Builder[*stumpy.Event])) {
	emit(func(l *logiface.Logger[*stumpy.Event]) *logiface.Builder[*stumpy.Event] {
		b := l.Err()
		if err != nil {
			b = b.Err(err)
		}
		return b
	}, cat, msg, fields)
}

// Debug logs a debug event, see Info.
func Debug(cat Category, msg string, fields func(*logiface.Builder[*stumpy.Event])) {
	emit(func(l *logiface.Logger[*stumpy.Event]) *logiface.Builder[*stumpy.Event] { return l.Debug() }, cat, msg, fields)
}

func emit(
	pick func(*logiface.Logger[*stumpy.Event]) *logiface.Builder[*stumpy.Event],
	cat Category,
	msg string,
	fields func(*logiface.Builder[*stumpy.Event]),
) {
	l := get()
	if l == nil {
		return
	}
	b := pick(l)
	if b == nil {
		return
	}
	b = b.Str("category", string(cat))
	if fields != nil {
		fields(b)
	}
	b.Log(msg)
}
