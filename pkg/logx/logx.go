// Package logx is a minimal level gate over the standard library logger.
// Binaries set the level once from their --log-level flag; packages log
// through Debugf/Infof/Warnf/Errorf and messages below the configured
// level are dropped.
package logx

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Level orders log severities.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var current atomic.Int32

func init() { current.Store(int32(LevelInfo)) }

// SetLevel configures the global level from a flag value.
func SetLevel(s string) error {
	switch strings.ToLower(s) {
	case "debug":
		current.Store(int32(LevelDebug))
	case "info", "":
		current.Store(int32(LevelInfo))
	case "warn", "warning":
		current.Store(int32(LevelWarn))
	case "error":
		current.Store(int32(LevelError))
	default:
		return fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
	return nil
}

func enabled(l Level) bool { return l >= Level(current.Load()) }

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) {
	if enabled(LevelDebug) {
		log.Printf("DEBUG "+format, args...)
	}
}

// Infof logs at info level.
func Infof(format string, args ...interface{}) {
	if enabled(LevelInfo) {
		log.Printf(format, args...)
	}
}

// Warnf logs at warn level.
func Warnf(format string, args ...interface{}) {
	if enabled(LevelWarn) {
		log.Printf("WARN "+format, args...)
	}
}

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) {
	if enabled(LevelError) {
		log.Printf("ERROR "+format, args...)
	}
}
