// Package logging gates the standard logger by level so -v and -q can adjust
// verbosity without changing call sites.
package logging

import (
	"log"
	"strings"
	"sync/atomic"
)

// Level is the verbosity threshold.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var current atomic.Int32

func init() {
	current.Store(int32(LevelInfo))
}

// SetLevel sets the global threshold.
func SetLevel(l Level) {
	current.Store(int32(l))
}

// CurrentLevel returns the global threshold.
func CurrentLevel() Level {
	return Level(current.Load())
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Adjust moves the threshold by -v (+1 each) and -q (-1 each).
func Adjust(base Level, verbose, quiet int) Level {
	l := base + Level(verbose) - Level(quiet)
	if l < LevelError {
		return LevelError
	}
	if l > LevelDebug {
		return LevelDebug
	}
	return l
}

// Enabled reports whether messages at l are emitted.
func Enabled(l Level) bool {
	return CurrentLevel() >= l
}

func Errorf(format string, args ...any) {
	if Enabled(LevelError) {
		log.Printf("[ERROR] "+format, args...)
	}
}

func Warnf(format string, args ...any) {
	if Enabled(LevelWarn) {
		log.Printf("[WARN] "+format, args...)
	}
}

func Infof(format string, args ...any) {
	if Enabled(LevelInfo) {
		log.Printf("[INFO] "+format, args...)
	}
}

func Debugf(format string, args ...any) {
	if Enabled(LevelDebug) {
		log.Printf("[DEBUG] "+format, args...)
	}
}
