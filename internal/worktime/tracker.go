// Package worktime counts the seconds of the day during which a task played.
package worktime

import (
	"context"
	"sync"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/Christopher-Hayes/deskmon/internal/store"
)

// saveEvery bounds how many counted seconds can be lost on a crash.
const saveEvery = 10

// Tracker keeps today's work time for the signed-in user.
type Tracker struct {
	store *store.Store
	bus   *events.Bus
	log   *logging.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu      sync.Mutex
	userID  int64
	date    string
	seconds int64
}

// New returns a Tracker. It saves whenever a task stops playing.
func New(st *store.Store, bus *events.Bus) *Tracker {
	t := &Tracker{
		store: st,
		bus:   bus,
		log:   logging.New("worktime"),
		Now:   time.Now,
	}
	if bus != nil {
		bus.Subscribe(func(e events.Event) {
			if e.Kind == events.PlayStopped {
				t.Save(context.Background())
			}
		})
	}
	return t
}

func (t *Tracker) today() string { return t.Now().Format(domain.DateLayout) }

// Seconds returns today's work time.
func (t *Tracker) Seconds() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seconds
}

// Record returns the current record.
func (t *Tracker) Record() domain.WorkTime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.WorkTime{UserID: t.userID, Date: t.date, Seconds: t.seconds}
}

// Load reads today's record for userID, creating it when missing.
func (t *Tracker) Load(ctx context.Context, userID int64) error {
	date := t.today()
	var seconds int64
	repo, err := t.store.Repo()
	if err == nil {
		seconds, err = repo.WorkTime(ctx, userID, date)
	}
	if err != nil {
		t.log.Warnf("Failed to load work time: %v", err)
		seconds = 0
	}
	t.mu.Lock()
	t.userID = userID
	t.date = date
	t.seconds = seconds
	t.mu.Unlock()
	t.log.Debugf("Loaded work time for %s: %s", date, domain.FormatDuration(seconds))
	t.bus.Publish(events.Event{Kind: events.WorkTimeChanged, Value: seconds})
	if seconds == 0 {
		return t.Save(ctx)
	}
	return nil
}

// Save persists the current record.
func (t *Tracker) Save(ctx context.Context) error {
	rec := t.Record()
	if rec.UserID == 0 {
		return nil
	}
	repo, err := t.store.Repo()
	if err != nil {
		return err
	}
	if err := repo.SaveWorkTime(ctx, rec); err != nil {
		t.log.Errorf("%v", err)
		return err
	}
	return nil
}

// Tick counts one second when running is true and saves every ten counted
// seconds.
func (t *Tracker) Tick(ctx context.Context, running bool) {
	t.mu.Lock()
	if t.userID == 0 || !running {
		t.mu.Unlock()
		return
	}
	t.seconds++
	seconds := t.seconds
	t.mu.Unlock()
	t.bus.Publish(events.Event{Kind: events.WorkTimeChanged, Value: seconds})
	if seconds%saveEvery == 0 {
		t.Save(ctx)
	}
}

// Rollover starts a fresh record when the date changed since the last
// load. The previous day's total is saved first.
func (t *Tracker) Rollover(ctx context.Context) bool {
	t.mu.Lock()
	if t.userID == 0 || t.date == t.today() {
		t.mu.Unlock()
		return false
	}
	prev, userID := t.date, t.userID
	t.mu.Unlock()

	if err := t.Save(ctx); err != nil {
		t.log.Warnf("Failed to save work time for %s: %v", prev, err)
	}
	t.log.Infof("New day, work time reset (was %s)", prev)
	t.Load(ctx, userID)
	return true
}

// Clear forgets the user, used after logout.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.userID = 0
	t.date = ""
	t.seconds = 0
	t.mu.Unlock()
	t.bus.Publish(events.Event{Kind: events.WorkTimeChanged, Value: 0})
}
