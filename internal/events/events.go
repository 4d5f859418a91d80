// Package events is the in-process notification bus between the tracking
// engines and the presentation layer.
package events

import (
	"sync"
)

// Kind identifies an event type.
type Kind string

const (
	ActiveTaskChanged        Kind = "active_task_changed"
	TaskPausedChanged        Kind = "task_paused_changed"
	TrackingActiveChanged    Kind = "tracking_active_changed"
	TaskListChanged          Kind = "task_list_changed"
	PlayStarted              Kind = "play_started"
	PlayStopped              Kind = "play_stopped"
	IdleStarted              Kind = "idle_started"
	IdlePeriodObserved       Kind = "idle_period_observed"
	IdleEnded                Kind = "idle_ended"
	IdleThresholdChanged     Kind = "idle_threshold_changed"
	WorkTimeChanged          Kind = "work_time_changed"
	Notification             Kind = "notification"
	ReviewNotification       Kind = "review_notification"
	AuthExpired              Kind = "auth_expired"
	UserChanged              Kind = "user_changed"
	ProductivityAppsChanged  Kind = "productivity_apps_changed"
	ProductivityStatsChanged Kind = "productivity_stats_changed"
	LogChanged               Kind = "log_changed"
	CurrentWindowChanged     Kind = "current_window_changed"
)

// StopReason says why a task stopped playing.
type StopReason string

const (
	ReasonManual   StopReason = "manual"
	ReasonIdle     StopReason = "idle"
	ReasonSwitch   StopReason = "switch"
	ReasonFinish   StopReason = "finish"
	ReasonReview   StopReason = "review"
	ReasonConflict StopReason = "conflict"
	ReasonLogout   StopReason = "logout"
)

// Event is a notification. Fields not relevant to the Kind are zero.
// Push is set on PlayStopped when the stop must be reported to the server.
type Event struct {
	Kind    Kind       `json:"kind"`
	TaskID  int64      `json:"task_id,omitempty"`
	Start   int64      `json:"start,omitempty"`
	End     int64      `json:"end,omitempty"`
	Reason  StopReason `json:"reason,omitempty"`
	Gen     uint64     `json:"generation,omitempty"`
	Push    bool       `json:"push,omitempty"`
	Value   int64      `json:"value,omitempty"`
	Flag    bool       `json:"flag,omitempty"`
	App     string     `json:"app,omitempty"`
	URL     string     `json:"url,omitempty"`
	Title   string     `json:"title,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id int
	h  Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, h: h})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every subscriber in registration order.
// Publishers must not hold their own locks while calling Publish.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		s.h(e)
	}
}

// Recorder collects events; tests and the SSE stream use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handle appends e.
func (r *Recorder) Handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns recorded events of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
