// Package logging provides the levelled, coloured log helpers used across deskmon.
//
// Debug and verbose output are switched on process-wide with SetDebug and
// SetVerbose. Every component gets its own Logger so lines carry a tag such
// as [TASKS] or [SYNC].
package logging

import (
	"log"
	"strings"
	"sync/atomic"

	"github.com/fatih/color"
)

var (
	debugMode   atomic.Bool
	verboseMode atomic.Bool

	// Color functions for different log levels
	colorDebug   = color.New(color.FgCyan).SprintfFunc()
	colorVerbose = color.New(color.FgBlue).SprintfFunc()
	colorInfo    = color.New(color.FgGreen).SprintfFunc()
	colorError   = color.New(color.FgRed, color.Bold).SprintfFunc()
	colorWarning = color.New(color.FgYellow).SprintfFunc()
	colorSuccess = color.New(color.FgGreen, color.Bold).SprintfFunc()

	// Key and Value highlight labels in human-facing output.
	Key   = color.New(color.FgMagenta).SprintfFunc()
	Value = color.New(color.FgWhite, color.Bold).SprintfFunc()
)

// SetDebug enables debug output (implies verbose).
func SetDebug(on bool) { debugMode.Store(on) }

// SetVerbose enables verbose output.
func SetVerbose(on bool) { verboseMode.Store(on) }

// DebugEnabled reports whether debug output is on.
func DebugEnabled() bool { return debugMode.Load() }

// Logger writes tagged lines through the standard log package.
type Logger struct {
	tag string
}

// New returns a Logger whose lines are prefixed with "[COMPONENT]".
func New(component string) *Logger {
	tag := ""
	if component != "" {
		tag = "[" + strings.ToUpper(component) + "] "
	}
	return &Logger{tag: tag}
}

// Debugf prints debug messages if debug mode is enabled
func (l *Logger) Debugf(format string, args ...interface{}) {
	if debugMode.Load() {
		log.Print(colorDebug("[DEBUG] "+l.tag+format, args...))
	}
}

// Verbosef prints verbose messages if verbose or debug mode is enabled
func (l *Logger) Verbosef(format string, args ...interface{}) {
	if verboseMode.Load() || debugMode.Load() {
		log.Print(colorVerbose("[VERBOSE] "+l.tag+format, args...))
	}
}

// Infof prints info messages (always shown)
func (l *Logger) Infof(format string, args ...interface{}) {
	log.Print(colorInfo("[INFO] "+l.tag+format, args...))
}

// Warnf prints warning messages (always shown)
func (l *Logger) Warnf(format string, args ...interface{}) {
	log.Print(colorWarning("[WARNING] "+l.tag+format, args...))
}

// Errorf prints error messages (always shown)
func (l *Logger) Errorf(format string, args ...interface{}) {
	log.Print(colorError("[ERROR] "+l.tag+format, args...))
}

// Successf prints success messages (always shown)
func (l *Logger) Successf(format string, args ...interface{}) {
	log.Print(colorSuccess("[SUCCESS] "+l.tag+format, args...))
}
