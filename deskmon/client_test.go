package deskmon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/go-chi/chi/v5"
)

func newTestClient(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL)
	c.Token = func() string { return "tok" }
	c.RetryDelay = time.Millisecond
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestLogin(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/login", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		json.NewDecoder(req.Body).Decode(&body)
		if req.Header.Get("Authorization") != "" {
			t.Errorf("login sent an Authorization header")
		}
		if body["password"] != "secret" {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"token":   "jwt-token",
			"user": map[string]any{
				"id": 12, "name": "Ana", "email": body["email"],
				"role": map[string]any{"rolename": "employee"},
			},
		})
	})
	c := newTestClient(t, r)

	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid credentials", "secret", false},
		{"wrong password", "nope", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Login(context.Background(), "ana@example.com", tt.password)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Login() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if res.Token != "jwt-token" || res.User.ID != 12 || res.User.Role.RoleName != "employee" {
				t.Errorf("Login() = %+v", res)
			}
		})
	}
}

func TestAuthenticatedCallsNeedToken(t *testing.T) {
	var hits atomic.Int32
	r := chi.NewRouter()
	r.Get("/tasks/all", func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": []any{}})
	})
	c := newTestClient(t, r)
	c.Token = func() string { return "" }

	if _, err := c.Tasks(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Tasks() error = %v, want ErrNoToken", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server was called %d times without a token", hits.Load())
	}
}

func TestTasks(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/tasks/all", func(w http.ResponseWriter, req *http.Request) {
		if got := req.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if req.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":[
			{"id":1,"title":"Website","description":"landing page","user_id":12,"status":"on-progress","duration":3600},
			{"id":2,"title":"Audit","description":"","user_id":12,"status":"completed","duration":null}
		]}`))
	})
	c := newTestClient(t, r)

	tasks, err := c.Tasks(context.Background())
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Tasks() returned %d tasks, want 2", len(tasks))
	}
	if tasks[0].Title != "Website" || tasks[0].Duration == nil || *tasks[0].Duration != 3600 {
		t.Errorf("tasks[0] = %+v", tasks[0])
	}
	if tasks[1].Duration != nil {
		t.Errorf("tasks[1].Duration = %v, want nil", *tasks[1].Duration)
	}
}

func TestTaskStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/get-current-task-status/{id}", func(w http.ResponseWriter, req *http.Request) {
		switch chi.URLParam(req, "id") {
		case "5":
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": "on-review"})
		case "6":
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Task not found"})
		}
	})
	c := newTestClient(t, r)

	tests := []struct {
		name    string
		id      int64
		want    string
		wantErr bool
	}{
		{"known task", 5, "on-review", false},
		{"empty status", 6, "", true},
		{"unknown task", 9, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.TaskStatus(context.Background(), tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("TaskStatus() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("TaskStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndImplementationConflict(t *testing.T) {
	const conflict = "User already has another task in on-progress status"
	tests := []struct {
		name         string
		status       int
		body         map[string]any
		wantErr      bool
		wantConflict bool
	}{
		{"accepted", http.StatusOK, map[string]any{"success": true}, false, false},
		{"conflict in 200 body", http.StatusOK, map[string]any{"success": false, "message": conflict}, true, true},
		{"conflict as 400", http.StatusBadRequest, map[string]any{"success": false, "message": conflict}, true, true},
		{"other failure", http.StatusOK, map[string]any{"success": false, "message": "Task locked"}, true, false},
		{"server error", http.StatusInternalServerError, map[string]any{"message": "boom"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Put("/end-implementation/{id}", func(w http.ResponseWriter, req *http.Request) {
				var body map[string]string
				json.NewDecoder(req.Body).Decode(&body)
				if body["status"] != "stop" || chi.URLParam(req, "id") != "3" {
					t.Errorf("request = %s %v", req.URL.Path, body)
				}
				writeJSON(w, tt.status, tt.body)
			})
			c := newTestClient(t, r)

			err := c.EndImplementation(context.Background(), 3)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EndImplementation() error = %v, wantErr %v", err, tt.wantErr)
			}
			if IsConflict(err) != tt.wantConflict {
				t.Errorf("IsConflict() = %v, want %v", IsConflict(err), tt.wantConflict)
			}
		})
	}
}

func TestPing(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantRefresh bool
	}{
		{"plain ack", `{"success":true,"message":"ok"}`, false},
		{"top-level refresh", `{"success":true,"action":"refresh"}`, true},
		{"refresh in data", `{"success":true,"data":{"action":"refresh"}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Post("/ping", func(w http.ResponseWriter, req *http.Request) {
				var body map[string]string
				json.NewDecoder(req.Body).Decode(&body)
				if body["task_id"] != "42" {
					t.Errorf("task_id = %q, want \"42\"", body["task_id"])
				}
				w.Write([]byte(tt.body))
			})
			c := newTestClient(t, r)

			got, err := c.Ping(context.Background(), 42)
			if err != nil {
				t.Fatalf("Ping() error = %v", err)
			}
			if got.Refresh != tt.wantRefresh {
				t.Errorf("Ping().Refresh = %v, want %v", got.Refresh, tt.wantRefresh)
			}
		})
	}
}

func TestUnauthorized(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/ping", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Unauthenticated."})
	})
	c := newTestClient(t, r)

	_, err := c.Ping(context.Background(), 1)
	if !IsUnauthorized(err) {
		t.Errorf("IsUnauthorized(%v) = false", err)
	}
	if IsConflict(err) {
		t.Errorf("IsConflict(%v) = true", err)
	}
}

func TestProductivityApps(t *testing.T) {
	var stored AppRequest
	r := chi.NewRouter()
	r.Get("/app-request/all", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": []map[string]string{
			{"application_name": "code", "productivity_status": "productive", "process_name": ""},
			{"application_name": "steam", "productivity_status": "non-productive", "process_name": "steam"},
		}})
	})
	r.Post("/app-request/store", func(w http.ResponseWriter, req *http.Request) {
		json.NewDecoder(req.Body).Decode(&stored)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	apps, err := c.ProductivityApps(ctx)
	if err != nil {
		t.Fatalf("ProductivityApps() error = %v", err)
	}
	if len(apps) != 2 || apps[1].ProductivityStatus != "non-productive" {
		t.Errorf("ProductivityApps() = %+v", apps)
	}

	req := AppRequest{ApplicationName: "gimp", ProductivityStatus: "productive", UserID: 12}
	if err := c.RequestApp(ctx, req); err != nil {
		t.Fatalf("RequestApp() error = %v", err)
	}
	if stored != req {
		t.Errorf("server received %+v, want %+v", stored, req)
	}
}

func TestReportUploadsRetry(t *testing.T) {
	var calls atomic.Int32
	var got map[string]any
	r := chi.NewRouter()
	r.Post("/send-time-at-work", func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusBadGateway, map[string]any{"message": "upstream"})
			return
		}
		json.NewDecoder(req.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	r.Post("/send-productive-time", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"success": false, "message": "bad date"})
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	if err := c.SendTimeAtWork(ctx, 12, 3600); err != nil {
		t.Fatalf("SendTimeAtWork() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want 3", calls.Load())
	}
	if got["time_at_work"] != float64(3600) || got["user_id"] != float64(12) {
		t.Errorf("payload = %v", got)
	}

	err := c.SendProductiveTime(ctx, ProductiveTime{UserID: 12, Date: "2026-03-02",
		DurationTotals: domain.DurationTotals{Productive: 60}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("SendProductiveTime() error = %v, want the 422 without retries", err)
	}
}

func TestSendDailyUsagePayload(t *testing.T) {
	var got struct {
		UserID int64 `json:"user_id"`
		Date   string
		Data   []map[string]any
	}
	r := chi.NewRouter()
	r.Post("/productivity-app", func(w http.ResponseWriter, req *http.Request) {
		json.NewDecoder(req.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	c := newTestClient(t, r)

	err := c.SendDailyUsage(context.Background(), DailyUsage{UserID: 12, Date: "2026-03-02", Apps: []domain.UsageEntry{
		{AppName: "firefox", Domain: "github.com", Seconds: 90, Category: "productive"},
	}})
	if err != nil {
		t.Fatalf("SendDailyUsage() error = %v", err)
	}
	if got.UserID != 12 || len(got.Data) != 1 || got.Data[0]["url"] != "github.com" || got.Data[0]["duration"] != float64(90) {
		t.Errorf("payload = %+v", got)
	}
}
