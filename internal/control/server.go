// Package control serves the local JSON API the CLI and other presentation
// layers use to read tracker state and drive it.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/idle"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/Christopher-Hayes/deskmon/internal/monitor"
	"github.com/Christopher-Hayes/deskmon/internal/session"
	"github.com/Christopher-Hayes/deskmon/internal/store"
	"github.com/Christopher-Hayes/deskmon/internal/tasks"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
)

// BasePath prefixes every API route.
const BasePath = "/v1"

const (
	eventBuffer   = 64
	keepAlive     = 15 * time.Second
	shutdownGrace = 5 * time.Second
)

// Tracker is the state the API exposes. *monitor.Service implements it.
type Tracker interface {
	Status(ctx context.Context) monitor.Status
	TaskList(ctx context.Context) ([]tasks.TaskView, error)
	SetActiveTask(ctx context.Context, id int64) error
	TogglePause(ctx context.Context) error
	FinishTask(ctx context.Context, id int64) error
	SetIdleThreshold(ctx context.Context, seconds int64) error
	AddProductivityApp(ctx context.Context, name, title, url string, typ domain.RuleType) error
	PendingApps(ctx context.Context) ([]domain.Rule, error)
	Rules(ctx context.Context, typ domain.RuleType) ([]domain.Rule, error)
	SetLogFilter(from, to string) error
	ClearLogFilter()
	Log(ctx context.Context, limit int) ([]domain.ActivityEvent, error)
	Usage(ctx context.Context, day string) ([]domain.UsageEntry, error)
	Refresh() error
	Login(ctx context.Context, login, password string) (domain.User, error)
	Logout(ctx context.Context) error
	Bus() *events.Bus
}

// Server is the control API.
type Server struct {
	tracker Tracker
	handler http.Handler
	log     *logging.Logger
}

// New builds the router for t.
func New(t Tracker, version string) *Server {
	s := &Server{tracker: t, log: logging.New("control")}

	router := chi.NewRouter()
	router.Use(s.recoverer)
	hcfg := huma.DefaultConfig("deskmon control API", version)
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, BasePath)

	registerHealth(group)
	registerStatus(group, t)
	registerTasks(group, t)
	registerApps(group, t)
	registerLog(group, t)
	registerSession(group, t)
	router.Get(BasePath+"/events", s.streamEvents)

	s.handler = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Infof("Control API listening on %s", logging.Value("%s", ln.Addr().String()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown control API: %w", err)
		}
		return nil
	}
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Errorf("PANIC recovered in %s %s: %v", r.Method, r.URL.Path, rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handleError maps tracker errors onto HTTP problems.
func handleError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, tasks.ErrNoUser),
		errors.Is(err, session.ErrInvalidCredentials):
		return huma.Error401Unauthorized(err.Error())
	case errors.Is(err, tasks.ErrNotOwned):
		return huma.Error403Forbidden(err.Error())
	case errors.Is(err, store.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, tasks.ErrNoActiveTask):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, idle.ErrInvalidThreshold):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, store.ErrUnavailable):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}

// streamEvents relays bus events as server-sent events. Slow readers lose
// events rather than block the publishers.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch := make(chan events.Event, eventBuffer)
	unsubscribe := s.tracker.Bus().Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(keepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				s.log.Warnf("Dropping event %s: %v", e.Kind, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
			flusher.Flush()
		}
	}
}
