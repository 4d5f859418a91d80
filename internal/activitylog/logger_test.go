package activitylog

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/probe"
	"github.com/Christopher-Hayes/deskmon/internal/store"
)

type fakeWindows struct {
	w   probe.Window
	err error
}

func (f *fakeWindows) ForegroundWindow() (probe.Window, error) { return f.w, f.err }

type fixedUser int64

func (u fixedUser) UserID() int64 { return int64(u) }

type testEnv struct {
	log   *Logger
	win   *fakeWindows
	bus   *events.Bus
	store *store.Store
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "activity.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	e := &testEnv{
		win:   &fakeWindows{},
		bus:   events.NewBus(),
		store: st,
		now:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local),
	}
	e.log = New(e.win, fixedUser(4), st, e.bus)
	e.log.Now = func() time.Time { return e.now }
	return e
}

// focus samples window w for the given number of seconds.
func (e *testEnv) focus(w probe.Window, seconds int) {
	e.win.w = w
	for i := 0; i < seconds; i++ {
		e.log.Poll(context.Background())
		e.now = e.now.Add(time.Second)
	}
}

func (e *testEnv) logged(t *testing.T) []domain.ActivityEvent {
	t.Helper()
	r, _ := e.store.Repo()
	evs, err := r.Activities(context.Background(), 4, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return evs
}

var (
	editor  = probe.Window{AppName: "Code", Title: "main.go"}
	browser = probe.Window{AppName: "firefox", Title: "Inbox", URL: "https://mail.google.com/u/0"}
	game    = probe.Window{AppName: "Steam", Title: "Library"}
)

func TestPollWritesContiguousEvents(t *testing.T) {
	e := newTestEnv(t)
	e.focus(editor, 30)
	e.focus(browser, 10)
	e.focus(editor, 5)
	e.log.Poll(context.Background())
	e.log.Flush(context.Background(), e.now.Unix())

	evs := e.logged(t)
	if len(evs) != 3 {
		t.Fatalf("logged %d events, want 3: %+v", len(evs), evs)
	}
	wantDur := []int64{30, 10, 5}
	for i, ev := range evs {
		if ev.Duration() != wantDur[i] {
			t.Errorf("event %d lasts %ds, want %d", i, ev.Duration(), wantDur[i])
		}
		if i > 0 && ev.Start != evs[i-1].End {
			t.Errorf("event %d starts at %d, previous ended at %d", i, ev.Start, evs[i-1].End)
		}
	}
	if evs[1].URL != browser.URL {
		t.Errorf("browser event URL = %q", evs[1].URL)
	}
	if got := e.log.Current(); got != editor {
		t.Errorf("Current() = %+v, want %+v", got, editor)
	}
}

func TestPollSkipsProbeErrors(t *testing.T) {
	e := newTestEnv(t)
	e.win.err = &probe.Error{Op: "window", Err: errors.New("gone")}
	e.focus(editor, 3)
	e.log.Flush(context.Background(), e.now.Unix())
	if n := len(e.logged(t)); n != 0 {
		t.Errorf("logged %d events, want 0", n)
	}
}

func TestIdleEventsFlushAndLog(t *testing.T) {
	e := newTestEnv(t)
	e.focus(editor, 100)
	idleStart := e.now.Unix() - 40

	e.bus.Publish(events.Event{Kind: events.IdleStarted, Start: idleStart})
	e.bus.Publish(events.Event{Kind: events.IdlePeriodObserved, Start: idleStart, End: e.now.Unix()})

	evs := e.logged(t)
	if len(evs) != 2 {
		t.Fatalf("logged %d events, want 2: %+v", len(evs), evs)
	}
	if evs[0].End != idleStart || evs[0].Duration() != 60 {
		t.Errorf("window event = %+v, want it cut at the idle start", evs[0])
	}
	if evs[1].AppName != domain.IdleAppName || evs[1].Title != domain.IdleTitle || evs[1].Duration() != 40 {
		t.Errorf("idle event = %+v", evs[1])
	}
}

func TestPlayStoppedFlushes(t *testing.T) {
	e := newTestEnv(t)
	e.focus(editor, 20)
	e.bus.Publish(events.Event{Kind: events.PlayStopped, End: e.now.Unix(), Reason: events.ReasonManual})
	e.now = e.now.Add(time.Hour)
	e.focus(editor, 5)
	e.log.Flush(context.Background(), e.now.Unix())

	evs := e.logged(t)
	if len(evs) != 2 || evs[0].Duration() != 20 || evs[1].Duration() != 5 {
		t.Errorf("events = %+v, want 20s then 5s with the pause left out", evs)
	}
}

func seedRules(t *testing.T, st *store.Store) {
	t.Helper()
	r, _ := st.Repo()
	ctx := context.Background()
	r.UpsertServerRule(ctx, "code", "", domain.TypeProductive)
	r.UpsertServerRule(ctx, "steam", "", domain.TypeNonProductive)
	r.UpsertServerRule(ctx, "google.com", "", domain.TypeProductive)
}

func TestStatsAndFilter(t *testing.T) {
	e := newTestEnv(t)
	seedRules(t, e.store)
	ctx := context.Background()

	e.focus(editor, 60)
	e.focus(game, 20)
	e.focus(probe.Window{AppName: "gimp", Title: "x.png"}, 20)
	e.log.Flush(ctx, e.now.Unix())

	stats, err := e.log.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := domain.ProductivityStats{Productive: 60, NonProductive: 20, Neutral: 20}
	for _, c := range []struct {
		name      string
		got, want float64
	}{
		{"productive", stats.Productive, want.Productive},
		{"non-productive", stats.NonProductive, want.NonProductive},
		{"neutral", stats.Neutral, want.Neutral},
	} {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if err := e.log.SetLogFilter("2026-03-03", ""); err != nil {
		t.Fatal(err)
	}
	stats, _ = e.log.Stats(ctx)
	if stats != (domain.ProductivityStats{}) {
		t.Errorf("Stats() with future filter = %+v, want zero", stats)
	}
	if evs, _ := e.log.Recent(ctx, 10); len(evs) != 0 {
		t.Errorf("Recent() with future filter = %d events, want 0", len(evs))
	}
	e.log.ClearLogFilter()
	if evs, _ := e.log.Events(ctx); len(evs) != 3 {
		t.Errorf("Events() after ClearLogFilter = %d, want 3", len(evs))
	}
	recent, _ := e.log.Recent(ctx, 2)
	if len(recent) != 2 || recent[0].AppName != "gimp" {
		t.Errorf("Recent(2) = %+v, want newest first", recent)
	}
}

func TestSetLogFilterValidation(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		wantErr  bool
	}{
		{"both", "2026-03-01", "2026-03-02", false},
		{"same day", "2026-03-02", "2026-03-02", false},
		{"open end", "2026-03-01", "", false},
		{"bad date", "03/01/2026", "", true},
		{"reversed", "2026-03-05", "2026-03-01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			err := e.log.SetLogFilter(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetLogFilter() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDailyUsageAndTotals(t *testing.T) {
	e := newTestEnv(t)
	seedRules(t, e.store)
	ctx := context.Background()

	e.focus(editor, 30)
	e.focus(browser, 50)
	e.focus(editor, 30)
	e.focus(probe.Window{AppName: "firefox", Title: "Compose", URL: "https://mail.google.com/c"}, 10)
	e.log.Flush(ctx, e.now.Unix())
	e.bus.Publish(events.Event{Kind: events.IdlePeriodObserved, Start: e.now.Unix(), End: e.now.Unix() + 300})

	usage, err := e.log.DailyUsage(ctx, "2026-03-02")
	if err != nil {
		t.Fatalf("DailyUsage() error = %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("DailyUsage() = %+v, want 2 rows", usage)
	}
	if usage[0].AppName != "Code" || usage[0].Seconds != 60 || usage[0].Category != "productive" {
		t.Errorf("first row = %+v", usage[0])
	}
	if usage[1].Domain != "mail.google.com" || usage[1].Seconds != 60 {
		t.Errorf("second row = %+v", usage[1])
	}

	totals, err := e.log.Totals(ctx, "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if totals.Productive != 120 || totals.Neutral != 0 {
		t.Errorf("Totals() = %+v, want 120 productive and idle excluded", totals)
	}
}
