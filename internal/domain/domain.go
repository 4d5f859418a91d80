// Package domain holds the data types shared by the deskmon engines.
// Timestamps are unix seconds; durations are whole seconds.
package domain

import "fmt"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "Pending"
	StatusOnProgress TaskStatus = "OnProgress"
	StatusPaused     TaskStatus = "Paused"
	StatusReview     TaskStatus = "Review"
	StatusNeedReview TaskStatus = "NeedReview"
	StatusNeedRevise TaskStatus = "NeedRevise"
	StatusCompleted  TaskStatus = "Completed"
)

// Sticky reports whether the status survives the task being switched away from.
func (s TaskStatus) Sticky() bool {
	return s == StatusReview || s == StatusCompleted
}

// DefaultMaxTime is the time budget given to tasks the server sends without one.
const DefaultMaxTime int64 = 8 * 60 * 60

// Task is a unit of assigned work whose elapsed time is tracked.
type Task struct {
	ID          int64      `json:"id"`
	ProjectName string     `json:"project_name"`
	Description string     `json:"description"`
	MaxTime     int64      `json:"max_time"`
	TimeUsage   int64      `json:"time_usage"`
	Active      bool       `json:"active"`
	Paused      bool       `json:"paused"`
	Status      TaskStatus `json:"status"`
	UserID      int64      `json:"user_id"`
}

// CompletedTask is the archived form of a finished task.
type CompletedTask struct {
	TaskID      int64  `json:"task_id"`
	ProjectName string `json:"project_name"`
	Description string `json:"description"`
	MaxTime     int64  `json:"max_time"`
	TimeUsage   int64  `json:"time_usage"`
	CompletedAt int64  `json:"completed_at"`
	UserID      int64  `json:"user_id"`
}

// IntervalState tells whether a pause-log interval was time spent playing or paused.
type IntervalState string

const (
	StatePlay  IntervalState = "play"
	StatePause IntervalState = "pause"
)

// PauseInterval is one entry of a task's play/pause log. End is nil while open.
type PauseInterval struct {
	ID     int64         `json:"id"`
	TaskID int64         `json:"task_id"`
	State  IntervalState `json:"state"`
	Start  int64         `json:"start"`
	End    *int64        `json:"end,omitempty"`
}

// Duration returns the closed length of the interval, or 0 while open.
func (p PauseInterval) Duration() int64 {
	if p.End == nil {
		return 0
	}
	return *p.End - p.Start
}

// ActivityEvent is a contiguous period spent in one window.
type ActivityEvent struct {
	ID      int64  `json:"id"`
	UserID  int64  `json:"user_id"`
	Start   int64  `json:"start_time"`
	End     int64  `json:"end_time"`
	AppName string `json:"app_name"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
}

// Duration returns End - Start.
func (e ActivityEvent) Duration() int64 { return e.End - e.Start }

// Idle activity rows use these names.
const (
	IdleAppName = "Idle"
	IdleTitle   = "No active window"
)

// RuleType classifies time spent. Zero doubles as "pending" on a rule and
// "neutral" on a classification result.
type RuleType int

const (
	TypeNeutral       RuleType = 0
	TypeProductive    RuleType = 1
	TypeNonProductive RuleType = 2
)

// TypePending marks a rule the user requested that the server has not decided on.
const TypePending = TypeNeutral

func (t RuleType) String() string {
	switch t {
	case TypeProductive:
		return "productive"
	case TypeNonProductive:
		return "non-productive"
	default:
		return "neutral"
	}
}

// ParseRuleType maps the server's productivity_status strings.
func ParseRuleType(s string) RuleType {
	switch s {
	case "productive":
		return TypeProductive
	case "non-productive":
		return TypeNonProductive
	default:
		return TypeNeutral
	}
}

// GlobalScope is the for_user value of rules that apply to everyone.
const GlobalScope = "0"

// Rule maps an application, window title or domain to a productivity type.
type Rule struct {
	ID            int64    `json:"id"`
	AppName       string   `json:"app_name"`
	WindowTitle   string   `json:"window_title"`
	URL           string   `json:"url,omitempty"`
	Type          RuleType `json:"type"`
	RequestedType RuleType `json:"requested_type"`
	ForUser       string   `json:"for_user"`
}

// User is a locally known account.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Department   string `json:"department,omitempty"`
	Role         string `json:"role,omitempty"`
	Token        string `json:"-"`
	LastLoginAt  int64  `json:"last_login_at,omitempty"`
}

// DateLayout is the format of calendar dates in records, filters and payloads.
const DateLayout = "2006-01-02"

// WorkTime is the accumulated time at work for one user and day (YYYY-MM-DD).
type WorkTime struct {
	UserID  int64  `json:"user_id"`
	Date    string `json:"date"`
	Seconds int64  `json:"seconds"`
}

// ProductivityStats are percentages of logged time per classification.
type ProductivityStats struct {
	Productive    float64 `json:"productive"`
	NonProductive float64 `json:"non_productive"`
	Neutral       float64 `json:"neutral"`
}

// DurationTotals are second totals per classification.
type DurationTotals struct {
	Productive    int64 `json:"productive_seconds"`
	NonProductive int64 `json:"non_productive_seconds"`
	Neutral       int64 `json:"neutral_seconds"`
}

// UsageEntry is one (application, domain) row of a daily usage report.
type UsageEntry struct {
	AppName  string   `json:"application_name"`
	Domain   string   `json:"url,omitempty"`
	Seconds  int64    `json:"duration"`
	Type     RuleType `json:"-"`
	Category string   `json:"productivity_status"`
}

// UsageReport is one day's usage upload as handed to export sinks.
type UsageReport struct {
	ID     string          `json:"id"`
	UserID int64           `json:"user_id"`
	Date   string          `json:"date"`
	Usage  []UsageEntry    `json:"usage"`
	Totals DurationTotals  `json:"totals"`
	Events []ActivityEvent `json:"events,omitempty"`
}

// FormatDuration renders seconds as "45s", "2m 5s" or "1h 2m 3s".
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
