package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Christopher-Hayes/deskmon/deskmon"
	"github.com/Christopher-Hayes/deskmon/internal/config"
	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/probe"
	"github.com/Christopher-Hayes/deskmon/internal/store"
	"github.com/go-chi/chi/v5"
)

type fakeProbe struct {
	mu     sync.Mutex
	idle   time.Duration
	window probe.Window
}

func (p *fakeProbe) IdleDuration() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle, nil
}

func (p *fakeProbe) ForegroundWindow() (probe.Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window, nil
}

func (p *fakeProbe) set(idle time.Duration, w probe.Window) {
	p.mu.Lock()
	p.idle, p.window = idle, w
	p.mu.Unlock()
}

// backend records which endpoints were called.
type backend struct {
	mu    sync.Mutex
	calls map[string]int
}

func (b *backend) count(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

func (b *backend) router() chi.Router {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			b.mu.Lock()
			b.calls[req.Method+" "+req.URL.Path]++
			b.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})
	ok := func(w http.ResponseWriter, v map[string]any) {
		v["success"] = true
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	r.Post("/login", func(w http.ResponseWriter, req *http.Request) {
		ok(w, map[string]any{"token": "tok", "user": map[string]any{"id": 5, "name": "dian", "email": "dian@example.com"}})
	})
	r.Get("/tasks/all", func(w http.ResponseWriter, req *http.Request) {
		ok(w, map[string]any{"data": []map[string]any{
			{"id": 1, "title": "Website", "description": "landing", "user_id": 5, "status": "created", "duration": 3600},
		}})
	})
	r.Get("/get-current-task-status/{id}", func(w http.ResponseWriter, req *http.Request) {
		ok(w, map[string]any{"data": "created"})
	})
	r.Get("/app-request/all", func(w http.ResponseWriter, req *http.Request) {
		ok(w, map[string]any{"data": []map[string]string{
			{"application_name": "code", "productivity_status": "productive", "process_name": ""},
		}})
	})
	for _, p := range []string{"/ping", "/logout", "/send-time-at-work", "/send-productive-time", "/productivity-app", "/app-request/store"} {
		r.Post(p, func(w http.ResponseWriter, req *http.Request) { ok(w, map[string]any{}) })
	}
	r.Put("/end-implementation/{id}", func(w http.ResponseWriter, req *http.Request) { ok(w, map[string]any{}) })
	return r
}

type testEnv struct {
	svc   *Service
	probe *fakeProbe
	api   *backend
	store *store.Store
	rec   *events.Recorder
	now   time.Time
}

func newTestEnv(t *testing.T, logoutOnExit bool) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := &testEnv{
		probe: &fakeProbe{window: probe.Window{AppName: "Code", Title: "main.go"}},
		api:   &backend{calls: map[string]int{}},
		store: st,
		rec:   &events.Recorder{},
		now:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local),
	}
	srv := httptest.NewServer(e.api.router())
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.APIBaseURL = srv.URL
	cfg.LogoutOnExit = logoutOnExit
	cfg.RequestTimeout = 5 * time.Second
	client := deskmon.NewClient(srv.URL)
	client.RetryDelay = time.Millisecond

	e.svc, err = New(Options{Config: &cfg, Probe: e.probe, Store: st, API: client})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.svc.SetClock(func() time.Time { return e.now })
	e.svc.Bus().Subscribe(e.rec.Handle)
	return e
}

// run ticks the service n times, one simulated second apart.
func (e *testEnv) run(n int) {
	for i := 0; i < n; i++ {
		e.now = e.now.Add(time.Second)
		e.svc.Tick(context.Background())
	}
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	if _, err := e.svc.Login(context.Background(), "dian@example.com", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	e.svc.Sync.Wait()
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"no probe", Options{Store: store.New(filepath.Join(t.TempDir(), "x.db"))}, true},
		{"no store", Options{Probe: &fakeProbe{}}, true},
		{"defaults", Options{Probe: &fakeProbe{}, Store: store.New(filepath.Join(t.TempDir(), "y.db"))}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoginSyncsTasksAndRules(t *testing.T) {
	e := newTestEnv(t, true)
	e.login(t)

	views, err := e.svc.TaskList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].ProjectName != "Website" {
		t.Fatalf("TaskList() = %+v", views)
	}
	rules, _ := e.svc.Rules(context.Background(), domain.TypeProductive)
	if len(rules) != 1 || rules[0].AppName != "code" {
		t.Errorf("Rules() = %+v", rules)
	}
	st := e.svc.Status(context.Background())
	if st.User == nil || st.User.ID != 5 || st.Offline {
		t.Errorf("Status().User = %+v offline %v", st.User, st.Offline)
	}
}

func TestTrackingDay(t *testing.T) {
	e := newTestEnv(t, true)
	e.login(t)
	ctx := context.Background()

	if err := e.svc.SetActiveTask(ctx, 1); err != nil {
		t.Fatal(err)
	}
	e.run(2)   // grace delay
	e.run(200) // coding
	e.svc.Sync.Wait()

	st := e.svc.Status(ctx)
	if !st.Tracking || st.ActiveTaskID != 1 {
		t.Fatalf("Status() = %+v, want task 1 tracking", st)
	}
	if st.Window.AppName != "Code" {
		t.Errorf("current window = %+v", st.Window)
	}
	if e.api.count("POST /ping") == 0 {
		t.Error("no ping on resume")
	}

	// The user walked away 181s ago; the idle threshold defaults to 180s.
	e.probe.set(181*time.Second, probe.Window{AppName: "Code", Title: "main.go"})
	e.run(1)
	e.svc.Sync.Wait()
	if e.svc.Status(ctx).Tracking {
		t.Fatal("still tracking while idle")
	}
	if e.api.count("PUT /end-implementation/1") != 1 {
		t.Errorf("idle pause pushed %d times, want 1", e.api.count("PUT /end-implementation/1"))
	}

	e.probe.set(0, probe.Window{AppName: "Code", Title: "main.go"})
	e.run(1)
	if !e.svc.Status(ctx).Tracking {
		t.Fatal("tracking did not resume after idle")
	}

	log, err := e.svc.Log(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	var idleRows int
	for _, ev := range log {
		if ev.AppName == domain.IdleAppName {
			idleRows++
		}
	}
	if idleRows == 0 {
		t.Errorf("no idle rows in %+v", log)
	}
	if work := e.svc.Status(ctx).WorkTime; work != 202 {
		t.Errorf("work time = %d, want 202", work)
	}
}

func TestLogoutPushesStopAndClears(t *testing.T) {
	e := newTestEnv(t, true)
	e.login(t)
	ctx := context.Background()
	e.svc.SetActiveTask(ctx, 1)
	e.run(10)

	if err := e.svc.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	for _, call := range []string{"PUT /end-implementation/1", "POST /send-time-at-work", "POST /logout"} {
		if e.api.count(call) != 1 {
			t.Errorf("%s called %d times, want 1", call, e.api.count(call))
		}
	}
	if st := e.svc.Status(ctx); st.User != nil || st.ActiveTaskID != 0 {
		t.Errorf("Status() after logout = %+v", st)
	}
	r, _ := e.store.Repo()
	task, _ := r.Task(ctx, 1)
	if task.Active || task.TimeUsage < 8 {
		t.Errorf("task after logout = %+v", task)
	}
}

func TestShutdownWithoutLogoutPausesTask(t *testing.T) {
	e := newTestEnv(t, false)
	e.login(t)
	ctx := context.Background()
	e.svc.SetActiveTask(ctx, 1)
	e.run(5)

	if err := e.svc.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if e.api.count("POST /logout") != 0 {
		t.Error("logged out although logout_on_exit is off")
	}
	st := e.svc.Status(ctx)
	if st.User == nil || !st.Paused || st.ActiveTaskID != 1 {
		t.Errorf("Status() after shutdown = %+v, want task 1 paused", st)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newTestEnv(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.svc.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestIdleThresholdAndFilter(t *testing.T) {
	e := newTestEnv(t, true)
	e.login(t)
	ctx := context.Background()

	if err := e.svc.SetIdleThreshold(ctx, 0); err == nil {
		t.Error("SetIdleThreshold(0) accepted")
	}
	if err := e.svc.SetIdleThreshold(ctx, 300); err != nil {
		t.Fatal(err)
	}
	if got := e.svc.Status(ctx).IdleThreshold; got != 300 {
		t.Errorf("IdleThreshold = %d, want 300", got)
	}
	if err := e.svc.SetLogFilter("2026-03-05", "2026-03-01"); err == nil {
		t.Error("reversed filter accepted")
	}
	if err := e.svc.AddProductivityApp(ctx, "Figma", "", "", domain.TypeProductive); err != nil {
		t.Fatalf("AddProductivityApp() error = %v", err)
	}
	pending, _ := e.svc.PendingApps(ctx)
	if len(pending) != 1 || pending[0].AppName != "Figma" {
		t.Errorf("PendingApps() = %+v", pending)
	}
}
