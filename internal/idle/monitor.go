// Package idle watches the session idle time and pauses the active task
// while the user is away.
package idle

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/Christopher-Hayes/deskmon/internal/store"
)

const (
	// DefaultThreshold applies when no threshold is stored.
	DefaultThreshold = 180 * time.Second
	// SettingKey is the settings row holding the threshold in seconds.
	SettingKey = "idle_threshold"

	refreshEvery = 10 * time.Second
	logEvery     = 60
)

// ErrInvalidThreshold is returned for non-positive thresholds.
var ErrInvalidThreshold = errors.New("idle threshold must be positive")

// Source reports how long the session has had no input.
type Source interface {
	IdleDuration() (time.Duration, error)
}

// Tracker is the part of task accounting the monitor drives.
type Tracker interface {
	UserID() int64
	IdleWatched() bool
	AutoPause(ctx context.Context) error
	AutoResume(ctx context.Context) error
}

// Monitor turns idle-time samples into idle periods.
type Monitor struct {
	source Source
	store  *store.Store
	tasks  Tracker
	bus    *events.Bus
	log    *logging.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	fallback time.Duration

	mu          sync.Mutex
	threshold   int64
	idle        bool
	idleStart   int64
	lastLog     int64
	lastRefresh time.Time
}

// New returns a Monitor. It resets itself whenever tracking stops for a
// reason other than idleness, so stale periods are never logged.
func New(src Source, st *store.Store, tasks Tracker, bus *events.Bus, fallback time.Duration) *Monitor {
	if fallback <= 0 {
		fallback = DefaultThreshold
	}
	m := &Monitor{
		source:    src,
		store:     st,
		tasks:     tasks,
		bus:       bus,
		log:       logging.New("idle"),
		Now:       time.Now,
		fallback:  fallback,
		threshold: int64(fallback / time.Second),
	}
	if bus != nil {
		bus.Subscribe(m.handle)
	}
	return m
}

func (m *Monitor) handle(e events.Event) {
	switch e.Kind {
	case events.PlayStopped:
		if e.Reason != events.ReasonIdle {
			m.Reset()
		}
	case events.ActiveTaskChanged, events.UserChanged:
		m.Reset()
	}
}

// Reset forgets any idle period in progress.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
}

func (m *Monitor) resetLocked() {
	m.idle = false
	m.idleStart = 0
	m.lastLog = 0
}

// IsIdle reports whether the user is currently idle.
func (m *Monitor) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle
}

// IdleSince returns the start of the current idle period, 0 when active.
func (m *Monitor) IdleSince() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleStart
}

// Threshold returns the idle threshold in seconds.
func (m *Monitor) Threshold() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// SetThreshold persists a new threshold and applies it immediately.
func (m *Monitor) SetThreshold(ctx context.Context, seconds int64) error {
	if seconds <= 0 {
		return ErrInvalidThreshold
	}
	repo, err := m.store.Repo()
	if err != nil {
		return err
	}
	if err := repo.SetSetting(ctx, SettingKey, strconv.FormatInt(seconds, 10)); err != nil {
		return err
	}
	m.mu.Lock()
	changed := m.threshold != seconds
	m.threshold = seconds
	m.lastRefresh = m.Now()
	m.mu.Unlock()
	m.log.Infof("Idle threshold set to %ds", seconds)
	if changed {
		m.bus.Publish(events.Event{Kind: events.IdleThresholdChanged, Value: seconds})
	}
	return nil
}

func (m *Monitor) refreshThreshold(ctx context.Context, now time.Time) {
	m.mu.Lock()
	due := m.lastRefresh.IsZero() || now.Sub(m.lastRefresh) >= refreshEvery
	if due {
		m.lastRefresh = now
	}
	m.mu.Unlock()
	if !due {
		return
	}

	value := int64(m.fallback / time.Second)
	if repo, err := m.store.Repo(); err == nil {
		if n, err := repo.SettingInt(ctx, SettingKey); err == nil && n > 0 {
			value = n
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			m.log.Warnf("Invalid idle threshold setting: %v", err)
		}
	}

	m.mu.Lock()
	changed := m.threshold != value
	m.threshold = value
	m.mu.Unlock()
	if changed {
		m.log.Verbosef("Idle threshold is now %ds", value)
		m.bus.Publish(events.Event{Kind: events.IdleThresholdChanged, Value: value})
	}
}

// Tick samples the idle time once. It runs every second.
func (m *Monitor) Tick(ctx context.Context) {
	if m.tasks.UserID() == 0 || !m.tasks.IdleWatched() {
		m.mu.Lock()
		if m.idle {
			m.log.Debugf("Idle check stopped: tracking is off")
			m.resetLocked()
		}
		m.mu.Unlock()
		return
	}

	now := m.Now()
	m.refreshThreshold(ctx, now)

	d, err := m.source.IdleDuration()
	if err != nil {
		m.log.Debugf("Idle check skipped: %v", err)
		return
	}
	idleSec := int64(d / time.Second)
	ts := now.Unix()

	var evs []events.Event
	var pause, resume bool

	m.mu.Lock()
	if idleSec >= m.threshold {
		if !m.idle {
			m.idle = true
			m.idleStart = ts - idleSec
			m.lastLog = m.idleStart
			pause = true
			evs = append(evs, events.Event{Kind: events.IdleStarted, Start: m.idleStart})
			m.log.Infof("Idle since %s", time.Unix(m.idleStart, 0).Format(time.TimeOnly))
		}
		if ts-m.lastLog >= logEvery {
			evs = append(evs, events.Event{Kind: events.IdlePeriodObserved, Start: m.lastLog, End: ts})
			m.lastLog = ts
		}
	} else if m.idle {
		if ts > m.lastLog {
			evs = append(evs, events.Event{Kind: events.IdlePeriodObserved, Start: m.lastLog, End: ts})
		}
		evs = append(evs, events.Event{Kind: events.IdleEnded, Start: m.idleStart, End: ts})
		m.log.Infof("Back after %ds idle", ts-m.idleStart)
		m.resetLocked()
		resume = true
	}
	m.mu.Unlock()

	for _, e := range evs {
		m.bus.Publish(e)
	}
	if pause {
		if err := m.tasks.AutoPause(ctx); err != nil {
			m.log.Errorf("Failed to pause task on idle: %v", err)
		}
	}
	if resume {
		if err := m.tasks.AutoResume(ctx); err != nil {
			m.log.Errorf("Failed to resume task after idle: %v", err)
		}
	}
}
