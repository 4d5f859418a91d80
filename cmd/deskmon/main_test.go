package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Christopher-Hayes/deskmon/internal/control"
	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/monitor"
	"github.com/Christopher-Hayes/deskmon/internal/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/viper"
)

// fakeAPI stands in for a running tracker's control API.
type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]map[string]any
}

func (f *fakeAPI) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.Method + " " + r.URL.Path
	f.requests = append(f.requests, key)
	if r.Body != nil && r.ContentLength != 0 {
		var body map[string]any
		if json.NewDecoder(r.Body).Decode(&body) == nil {
			f.bodies[key] = body
		}
	}
}

func (f *fakeAPI) body(key string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func (f *fakeAPI) called(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r == key {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func problem(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"status": status, "detail": detail})
}

func newFakeAPI(t *testing.T) (*fakeAPI, string) {
	t.Helper()
	f := &fakeAPI{bodies: map[string]map[string]any{}}
	ok := func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, control.OKResponse{OK: true}) }

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.record(req)
			next.ServeHTTP(w, req)
		})
	})
	r.Route(control.BasePath, func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, monitor.Status{
				User:          &domain.User{ID: 7, Username: "dina", Email: "dina@example.com"},
				ActiveTaskID:  12,
				Paused:        true,
				Tracking:      true,
				TimeUsage:     3725,
				WorkTime:      7200,
				IdleThreshold: 180,
				Stats:         domain.ProductivityStats{Productive: 75, NonProductive: 5, Neutral: 20},
			})
		})
		r.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []tasks.TaskView{{
				Task:          domain.Task{ID: 12, ProjectName: "Atlas", Description: "Write importer", MaxTime: 28800, TimeUsage: 3725},
				DisplayStatus: "Paused",
				Elapsed:       "01:02:05",
			}})
		})
		r.Post("/tasks/{id}/activate", func(w http.ResponseWriter, r *http.Request) {
			if chi.URLParam(r, "id") == "99" {
				problem(w, http.StatusNotFound, "task 99 not found")
				return
			}
			ok(w, r)
		})
		r.Post("/tasks/{id}/finish", ok)
		r.Post("/pause", ok)
		r.Put("/idle-threshold", ok)
		r.Post("/refresh", ok)
		r.Post("/apps", ok)
		r.Get("/apps/pending", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []domain.Rule{{AppName: "Figma", RequestedType: domain.TypeProductive, ForUser: "7"}})
		})
		r.Get("/log", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []domain.ActivityEvent{
				{ID: 2, Start: 1772445600, End: 1772445900, AppName: "Slack", Title: "general"},
				{ID: 1, Start: 1772442000, End: 1772445600, AppName: "Code", Title: "main.go"},
			})
		})
		r.Put("/log/filter", ok)
		r.Delete("/log/filter", ok)
		r.Get("/usage", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []domain.UsageEntry{{AppName: "Code", Seconds: 3600, Category: "productive"}})
		})
		r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, control.LoginResponse{User: domain.User{ID: 7, Username: "dina"}, Offline: true})
		})
		r.Post("/logout", ok)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv.URL
}

// execute runs the CLI against addr with a throwaway config file.
func execute(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cfgPath := filepath.Join(t.TempDir(), "deskmon.yml")
	root := newRootCmd(viper.New(), &out)
	root.SetArgs(append([]string{"--config", cfgPath, "--addr", addr}, args...))
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantReq  string
		contains []string
		wantErr  bool
	}{
		{"status", []string{"status"}, "GET /v1/status", []string{"dina", "#12", "Paused", "1h 2m 5s", "75.0%"}, false},
		{"tasks", []string{"tasks"}, "GET /v1/tasks", []string{"Atlas", "Write importer", "01:02:05", "8h 0m 0s"}, false},
		{"start", []string{"start", "#12"}, "POST /v1/tasks/12/activate", []string{"Tracking task #12"}, false},
		{"start unknown", []string{"start", "99"}, "POST /v1/tasks/99/activate", nil, true},
		{"start bad id", []string{"start", "abc"}, "", nil, true},
		{"finish", []string{"finish", "12"}, "POST /v1/tasks/12/finish", []string{"submitted for review"}, false},
		{"pause", []string{"pause"}, "POST /v1/pause", []string{"paused at 1h 2m 5s"}, false},
		{"idle threshold", []string{"idle-threshold", "300"}, "PUT /v1/idle-threshold", []string{"5m 0s"}, false},
		{"idle threshold zero", []string{"idle-threshold", "0"}, "", nil, true},
		{"refresh", []string{"refresh"}, "POST /v1/refresh", []string{"Refresh scheduled"}, false},
		{"app add", []string{"app", "add", "--name", "Figma"}, "POST /v1/apps", []string{"productive"}, false},
		{"app add empty", []string{"app", "add"}, "", nil, true},
		{"app pending", []string{"app", "pending"}, "GET /v1/apps/pending", []string{"Figma", "productive"}, false},
		{"log", []string{"log"}, "GET /v1/log", []string{"Slack", "Code", "Total", "1h 5m 0s"}, false},
		{"log filter", []string{"log", "--from", "2026-03-01", "--to", "2026-03-02"}, "PUT /v1/log/filter", []string{"Code"}, false},
		{"log clear", []string{"log", "--clear"}, "DELETE /v1/log/filter", nil, false},
		{"stats", []string{"stats", "--date", "2026-03-02"}, "GET /v1/usage", []string{"2026-03-02", "Code", "1h 0m 0s"}, false},
		{"stats bad date", []string{"stats", "--date", "March"}, "", nil, true},
		{"login", []string{"login", "dina", "--password", "secret"}, "POST /v1/login", []string{"Signed in as dina", "stored credentials"}, false},
		{"logout", []string{"logout"}, "POST /v1/logout", []string{"Signed out"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, addr := newFakeAPI(t)
			out, err := execute(t, addr, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("execute(%v) error = %v, wantErr %v\n%s", tt.args, err, tt.wantErr, out)
			}
			if tt.wantReq != "" && !api.called(tt.wantReq) {
				t.Errorf("request %q not sent; got %v", tt.wantReq, api.requests)
			}
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("output missing %q:\n%s", s, out)
				}
			}
		})
	}
}

func TestCommandBodies(t *testing.T) {
	api, addr := newFakeAPI(t)
	if _, err := execute(t, addr, "idle-threshold", "240"); err != nil {
		t.Fatal(err)
	}
	if got := api.body("PUT /v1/idle-threshold")["seconds"]; got != float64(240) {
		t.Errorf("idle threshold body seconds = %v, want 240", got)
	}

	if _, err := execute(t, addr, "app", "add", "--url", "youtube.com", "--type", "non-productive"); err != nil {
		t.Fatal(err)
	}
	body := api.body("POST /v1/apps")
	if body["url"] != "youtube.com" || body["type"] != "non-productive" {
		t.Errorf("app body = %v", body)
	}

	if _, err := execute(t, addr, "login", "dina@example.com", "-p", "pw"); err != nil {
		t.Fatal(err)
	}
	body = api.body("POST /v1/login")
	if body["login"] != "dina@example.com" || body["password"] != "pw" {
		t.Errorf("login body = %v", body)
	}
}

func TestLoginReadsPasswordFromStdin(t *testing.T) {
	api, addr := newFakeAPI(t)
	var out bytes.Buffer
	root := newRootCmd(viper.New(), &out)
	root.SetIn(strings.NewReader("from-stdin\n"))
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "deskmon.yml"), "--addr", addr, "login", "dina"})
	if err := root.Execute(); err != nil {
		t.Fatalf("login error = %v", err)
	}
	if got := api.body("POST /v1/login")["password"]; got != "from-stdin" {
		t.Errorf("password = %v, want from-stdin", got)
	}
}

func TestJSONOutput(t *testing.T) {
	_, addr := newFakeAPI(t)
	out, err := execute(t, addr, "--json", "status")
	if err != nil {
		t.Fatal(err)
	}
	var st monitor.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status --json is not JSON: %v\n%s", err, out)
	}
	if st.ActiveTaskID != 12 || !st.Paused || st.User == nil || st.User.Username != "dina" {
		t.Errorf("status = %+v", st)
	}
}

func TestErrorDetail(t *testing.T) {
	_, addr := newFakeAPI(t)
	_, err := execute(t, addr, "start", "99")
	if err == nil || !strings.Contains(err.Error(), "task 99 not found") {
		t.Errorf("error = %v, want the API detail", err)
	}
}

func TestTrackerNotRunning(t *testing.T) {
	_, err := execute(t, "127.0.0.1:1", "status")
	if err == nil || !strings.Contains(err.Error(), "deskmon run") {
		t.Errorf("error = %v, want a hint to start the tracker", err)
	}
}

func TestConfigAndVersion(t *testing.T) {
	out, err := execute(t, "127.0.0.1:7725", "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "poll_interval: 1s") || !strings.Contains(out, "control_addr: 127.0.0.1:7725") {
		t.Errorf("config show:\n%s", out)
	}

	out, err = execute(t, "127.0.0.1:7725", "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "deskmon "+version {
		t.Errorf("version = %q", out)
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"12", 12, false},
		{"#12", 12, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"twelve", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseID() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRenderStatusSignedOut(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, monitor.Status{})
	if !strings.Contains(buf.String(), "not signed in") {
		t.Errorf("renderStatus() = %q", buf.String())
	}
}

func TestRenderEmpty(t *testing.T) {
	var buf bytes.Buffer
	renderTasks(&buf, nil)
	renderLog(&buf, nil)
	renderRules(&buf, nil, false)
	for _, want := range []string{"No tasks.", "No activity logged.", "Nothing here."} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

type closedWriter struct{}

func (closedWriter) Write(p []byte) (int, error) { return 0, errors.New("write /dev/stdout: broken pipe") }

func TestEventOutputReportsWriteErrors(t *testing.T) {
	e := events.Event{Kind: events.ActiveTaskChanged, TaskID: 3}
	if err := renderEvent(closedWriter{}, e); err == nil {
		t.Error("renderEvent() to a closed writer error = nil")
	}
	a := &app{out: closedWriter{}}
	if err := a.printJSON(e); err == nil {
		t.Error("printJSON() to a closed writer error = nil")
	}
	var buf bytes.Buffer
	if err := renderEvent(&buf, e); err != nil || !strings.Contains(buf.String(), "task=#3") {
		t.Errorf("renderEvent() = %q, %v", buf.String(), err)
	}
}
