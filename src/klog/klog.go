// Package klog is the kernel's ambient logging wrapper (SPEC_FULL.md
// §1): a thin leveled shim over the standard library's log package.
// No third-party logger appears anywhere in the corpus in a
// kernel-core context, so this stays on stdlib by design — see
// DESIGN.md's justification entry.
package klog

import (
	"fmt"
	"log"
	"os"
)

// Level tags the severity of a log line.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelPanic
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelPanic:
		return "PANIC"
	default:
		return "?"
	}
}

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// SetOutput redirects where log lines go; tests use this to capture
// output instead of writing to stderr.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	std.SetOutput(w)
}

func logf(level Level, format string, args ...interface{}) {
	std.Printf("["+level.String()+"] "+format, args...)
}

// Infof logs a routine informational line.
func Infof(format string, args ...interface{}) { logf(LevelInfo, format, args...) }

// Warnf logs a recoverable but noteworthy condition — e.g. a
// blocked-without-handler thread (spec.md §7) or an unhandled fault.
func Warnf(format string, args ...interface{}) { logf(LevelWarn, format, args...) }

// Panicf logs the condition and then panics, matching spec.md §7's
// "kernel-internal invariant violations ... panic" and the teacher's
// own panic("bad minor")-style immediate-abort idiom.
func Panicf(format string, args ...interface{}) {
	logf(LevelPanic, format, args...)
	panic(fmt.Sprintf(format, args...))
}
