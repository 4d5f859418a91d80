// Package activitylog records which window the user spends time in and
// derives productivity statistics and usage reports from the log.
package activitylog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/classifier"
	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/Christopher-Hayes/deskmon/internal/probe"
	"github.com/Christopher-Hayes/deskmon/internal/store"
)

// WindowSource reports the focused window.
type WindowSource interface {
	ForegroundWindow() (probe.Window, error)
}

// UserSource reports the signed-in user, 0 when none.
type UserSource interface {
	UserID() int64
}

// Logger turns foreground-window samples into contiguous activity events.
type Logger struct {
	source WindowSource
	users  UserSource
	store  *store.Store
	bus    *events.Bus
	log    *logging.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu      sync.Mutex
	current probe.Window
	start   int64
	open    bool

	filterMu   sync.RWMutex
	filterFrom string
	filterTo   string
}

// New returns a Logger subscribed to idle and stop events.
func New(src WindowSource, users UserSource, st *store.Store, bus *events.Bus) *Logger {
	l := &Logger{
		source: src,
		users:  users,
		store:  st,
		bus:    bus,
		log:    logging.New("activity"),
		Now:    time.Now,
	}
	if bus != nil {
		bus.Subscribe(l.handle)
	}
	return l
}

func (l *Logger) handle(e events.Event) {
	ctx := context.Background()
	switch e.Kind {
	case events.IdleStarted:
		l.Flush(ctx, e.Start)
	case events.IdlePeriodObserved:
		l.write(ctx, domain.ActivityEvent{
			UserID:  l.users.UserID(),
			Start:   e.Start,
			End:     e.End,
			AppName: domain.IdleAppName,
			Title:   domain.IdleTitle,
		})
	case events.PlayStopped:
		l.Flush(ctx, e.End)
	case events.UserChanged:
		l.mu.Lock()
		l.open = false
		l.mu.Unlock()
	}
}

// Current returns the last sampled window.
func (l *Logger) Current() probe.Window {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Poll samples the foreground window once. Callers only poll while a task
// plays and the user is not idle.
func (l *Logger) Poll(ctx context.Context) {
	uid := l.users.UserID()
	if uid == 0 {
		return
	}
	w, err := l.source.ForegroundWindow()
	if err != nil {
		l.log.Debugf("Window check skipped: %v", err)
		return
	}
	now := l.Now().Unix()

	l.mu.Lock()
	var done *domain.ActivityEvent
	if l.open && w != l.current {
		done = &domain.ActivityEvent{UserID: uid, Start: l.start, End: now,
			AppName: l.current.AppName, Title: l.current.Title, URL: l.current.URL}
	}
	changed := w != l.current
	if !l.open || changed {
		l.current = w
		l.start = now
		l.open = true
	}
	l.mu.Unlock()

	if done != nil {
		l.write(ctx, *done)
	}
	if changed {
		l.log.Verbosef("Window: %s - %s", w.AppName, w.Title)
		l.bus.Publish(events.Event{Kind: events.CurrentWindowChanged, App: w.AppName, Title: w.Title, URL: w.URL})
	}
}

// Flush writes the open event up to ts and closes it.
func (l *Logger) Flush(ctx context.Context, ts int64) {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return
	}
	ev := domain.ActivityEvent{UserID: l.users.UserID(), Start: l.start, End: ts,
		AppName: l.current.AppName, Title: l.current.Title, URL: l.current.URL}
	l.open = false
	l.mu.Unlock()
	l.write(ctx, ev)
}

func (l *Logger) write(ctx context.Context, ev domain.ActivityEvent) {
	if ev.UserID == 0 || ev.End <= ev.Start {
		return
	}
	repo, err := l.store.Repo()
	if err != nil {
		return
	}
	if err := repo.InsertActivity(ctx, ev); err != nil {
		l.log.Errorf("%v", err)
		return
	}
	l.log.Debugf("Logged %s %q for %ds", ev.AppName, ev.Title, ev.Duration())
	l.bus.Publish(events.Event{Kind: events.LogChanged})
	l.bus.Publish(events.Event{Kind: events.ProductivityStatsChanged})
}

// dayBounds returns the unix range [from, to) covering the local dates
// first..last inclusive. Empty dates leave that side open.
func dayBounds(first, last string) (int64, int64, error) {
	var from, to int64
	if first != "" {
		d, err := time.ParseInLocation(domain.DateLayout, first, time.Local)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid start date %q: %w", first, err)
		}
		from = d.Unix()
	}
	if last != "" {
		d, err := time.ParseInLocation(domain.DateLayout, last, time.Local)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid end date %q: %w", last, err)
		}
		to = d.AddDate(0, 0, 1).Unix()
	}
	if from != 0 && to != 0 && to <= from {
		return 0, 0, fmt.Errorf("end date %s is before start date %s", last, first)
	}
	return from, to, nil
}

// SetLogFilter restricts listings and stats to the local dates from..to
// (YYYY-MM-DD, inclusive). Either side may be empty.
func (l *Logger) SetLogFilter(from, to string) error {
	if _, _, err := dayBounds(from, to); err != nil {
		return err
	}
	l.filterMu.Lock()
	l.filterFrom, l.filterTo = from, to
	l.filterMu.Unlock()
	l.publishFilterChange()
	return nil
}

// ClearLogFilter removes the date filter.
func (l *Logger) ClearLogFilter() {
	l.filterMu.Lock()
	l.filterFrom, l.filterTo = "", ""
	l.filterMu.Unlock()
	l.publishFilterChange()
}

// Filter returns the active date filter.
func (l *Logger) Filter() (from, to string) {
	l.filterMu.RLock()
	defer l.filterMu.RUnlock()
	return l.filterFrom, l.filterTo
}

func (l *Logger) publishFilterChange() {
	l.bus.Publish(events.Event{Kind: events.LogChanged})
	l.bus.Publish(events.Event{Kind: events.ProductivityStatsChanged})
}

func (l *Logger) load(ctx context.Context, first, last string) ([]domain.ActivityEvent, []domain.Rule, error) {
	uid := l.users.UserID()
	if uid == 0 {
		return nil, nil, nil
	}
	from, to, err := dayBounds(first, last)
	if err != nil {
		return nil, nil, err
	}
	repo, err := l.store.Repo()
	if err != nil {
		return nil, nil, err
	}
	evs, err := repo.Activities(ctx, uid, from, to)
	if err != nil {
		return nil, nil, err
	}
	rules, err := repo.Rules(ctx)
	if err != nil {
		return nil, nil, err
	}
	return evs, rules, nil
}

// Events lists the filtered log, oldest first.
func (l *Logger) Events(ctx context.Context) ([]domain.ActivityEvent, error) {
	from, to := l.Filter()
	evs, _, err := l.load(ctx, from, to)
	return evs, err
}

// DayEvents lists the events of one local day, oldest first.
func (l *Logger) DayEvents(ctx context.Context, day string) ([]domain.ActivityEvent, error) {
	evs, _, err := l.load(ctx, day, day)
	return evs, err
}

// Recent lists the newest events first, within the date filter when one is set.
func (l *Logger) Recent(ctx context.Context, limit int) ([]domain.ActivityEvent, error) {
	uid := l.users.UserID()
	if uid == 0 {
		return nil, nil
	}
	if from, to := l.Filter(); from != "" || to != "" {
		evs, _, err := l.load(ctx, from, to)
		if err != nil {
			return nil, err
		}
		if len(evs) > limit {
			evs = evs[len(evs)-limit:]
		}
		out := make([]domain.ActivityEvent, len(evs))
		for i, e := range evs {
			out[len(evs)-1-i] = e
		}
		return out, nil
	}
	repo, err := l.store.Repo()
	if err != nil {
		return nil, err
	}
	return repo.RecentActivities(ctx, uid, limit)
}

func (l *Logger) classify(rules []domain.Rule, ev domain.ActivityEvent) domain.RuleType {
	return classifier.Classify(rules, strconv.FormatInt(ev.UserID, 10), ev.AppName, ev.Title, ev.URL)
}

// Stats returns the percentage of filtered logged time per classification.
// Idle time counts as neutral.
func (l *Logger) Stats(ctx context.Context) (domain.ProductivityStats, error) {
	from, to := l.Filter()
	evs, rules, err := l.load(ctx, from, to)
	if err != nil {
		return domain.ProductivityStats{}, err
	}
	var totals domain.DurationTotals
	for _, ev := range evs {
		typ := domain.TypeNeutral
		if ev.AppName != domain.IdleAppName {
			typ = l.classify(rules, ev)
		}
		add(&totals, typ, ev.Duration())
	}
	sum := totals.Productive + totals.NonProductive + totals.Neutral
	if sum == 0 {
		return domain.ProductivityStats{}, nil
	}
	pct := func(v int64) float64 { return float64(v) / float64(sum) * 100 }
	return domain.ProductivityStats{
		Productive:    pct(totals.Productive),
		NonProductive: pct(totals.NonProductive),
		Neutral:       pct(totals.Neutral),
	}, nil
}

func add(t *domain.DurationTotals, typ domain.RuleType, seconds int64) {
	if seconds <= 0 {
		return
	}
	switch typ {
	case domain.TypeProductive:
		t.Productive += seconds
	case domain.TypeNonProductive:
		t.NonProductive += seconds
	default:
		t.Neutral += seconds
	}
}

// Totals sums the non-idle time of one local day per classification.
func (l *Logger) Totals(ctx context.Context, day string) (domain.DurationTotals, error) {
	evs, rules, err := l.load(ctx, day, day)
	if err != nil {
		return domain.DurationTotals{}, err
	}
	var totals domain.DurationTotals
	for _, ev := range evs {
		if ev.AppName == domain.IdleAppName {
			continue
		}
		add(&totals, l.classify(rules, ev), ev.Duration())
	}
	return totals, nil
}

// DailyUsage groups the non-idle time of one local day by application and
// domain, longest first.
func (l *Logger) DailyUsage(ctx context.Context, day string) ([]domain.UsageEntry, error) {
	evs, rules, err := l.load(ctx, day, day)
	if err != nil {
		return nil, err
	}
	type key struct{ app, domain string }
	index := make(map[key]int)
	var out []domain.UsageEntry
	for _, ev := range evs {
		if ev.AppName == domain.IdleAppName || ev.Duration() <= 0 {
			continue
		}
		k := key{ev.AppName, classifier.ExtractDomain(ev.URL)}
		i, ok := index[k]
		if !ok {
			typ := l.classify(rules, ev)
			out = append(out, domain.UsageEntry{AppName: k.app, Domain: k.domain, Type: typ, Category: typ.String()})
			i = len(out) - 1
			index[k] = i
		}
		out[i].Seconds += ev.Duration()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seconds != out[j].Seconds {
			return out[i].Seconds > out[j].Seconds
		}
		return out[i].AppName < out[j].AppName
	})
	return out, nil
}
