// Package probe reads the user's idle time and foreground window from the
// desktop session.
package probe

import (
	"fmt"
	"time"
)

// Window describes the focused window. URL is only set for browsers when a
// URL source is available.
type Window struct {
	AppName string `json:"app_name"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
}

// Probe is the platform activity source.
type Probe interface {
	IdleDuration() (time.Duration, error)
	ForegroundWindow() (Window, error)
}

// Error is returned when the platform cannot be queried. Callers skip the
// current tick and try again on the next one.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
