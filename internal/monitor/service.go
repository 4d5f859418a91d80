// Package monitor wires the tracking engines together and runs the loop that
// drives them: the one-second tick, liveness pings, task refreshes and the
// periodic report uploads.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Christopher-Hayes/deskmon/deskmon"
	"github.com/Christopher-Hayes/deskmon/internal/activitylog"
	"github.com/Christopher-Hayes/deskmon/internal/config"
	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/idle"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/Christopher-Hayes/deskmon/internal/probe"
	"github.com/Christopher-Hayes/deskmon/internal/session"
	"github.com/Christopher-Hayes/deskmon/internal/store"
	"github.com/Christopher-Hayes/deskmon/internal/syncer"
	"github.com/Christopher-Hayes/deskmon/internal/tasks"
	"github.com/Christopher-Hayes/deskmon/internal/worktime"
)

// Options configures a Service.
type Options struct {
	Config *config.Config
	Probe  probe.Probe
	Store  *store.Store
	// API defaults to a client for Config.APIBaseURL.
	API   *deskmon.Client
	Sinks []syncer.Sink
}

// Service is the process-wide tracker.
type Service struct {
	cfg   *config.Config
	bus   *events.Bus
	store *store.Store
	log   *logging.Logger

	Session  *session.Manager
	Tasks    *tasks.Accounting
	Idle     *idle.Monitor
	Work     *worktime.Tracker
	Activity *activitylog.Logger
	Sync     *syncer.Coordinator

	now func() time.Time
}

// New builds the engines and subscribes them to a shared bus.
func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		d := config.Defaults()
		opts.Config = &d
	}
	if opts.Probe == nil {
		return nil, errors.New("monitor: probe is required")
	}
	if opts.Store == nil {
		return nil, errors.New("monitor: store is required")
	}
	cfg := opts.Config
	api := opts.API
	if api == nil {
		api = deskmon.NewClient(cfg.APIBaseURL)
		api.Timeout = cfg.RequestTimeout
	}

	bus := events.NewBus()
	s := &Service{
		cfg:   cfg,
		bus:   bus,
		store: opts.Store,
		log:   logging.New("monitor"),
		now:   time.Now,
	}
	s.Session = session.New(opts.Store, api, bus, cfg.LoginTimeout)
	api.Token = s.Session.Token
	s.Tasks = tasks.New(opts.Store, bus, cfg.GraceDelay)
	s.Idle = idle.New(opts.Probe, opts.Store, s.Tasks, bus, cfg.DefaultIdleThreshold)
	s.Work = worktime.New(opts.Store, bus)
	s.Activity = activitylog.New(opts.Probe, s.Session, opts.Store, bus)
	s.Sync = syncer.New(syncer.Deps{
		API:      api,
		Session:  s.Session,
		Tasks:    s.Tasks,
		Store:    opts.Store,
		Bus:      bus,
		Reports:  s.Activity,
		WorkTime: s.Work,
		Sinks:    opts.Sinks,
		Timeout:  cfg.RequestTimeout,
	})
	bus.Subscribe(s.handle)
	return s, nil
}

// SetClock replaces the clock of every engine. Tests use it.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.Session.Now = now
	s.Tasks.Now = now
	s.Idle.Now = now
	s.Work.Now = now
	s.Activity.Now = now
	s.Sync.Now = now
}

// Bus returns the notification bus.
func (s *Service) Bus() *events.Bus { return s.bus }

// Config returns the configuration the service runs with.
func (s *Service) Config() *config.Config { return s.cfg }

func (s *Service) handle(e events.Event) {
	switch e.Kind {
	case events.AuthExpired:
		s.log.Warnf("Server session expired; tracking continues offline")
	case events.Notification, events.ReviewNotification:
		s.log.Warnf("%s", e.Message)
	}
}

// Start restores the last session, if any.
func (s *Service) Start(ctx context.Context) error {
	ok, err := s.Session.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if ok {
		s.signedIn(ctx)
	}
	return nil
}

// signedIn loads the user's state and starts the first sync in the background.
func (s *Service) signedIn(ctx context.Context) {
	uid := s.Session.UserID()
	s.Tasks.SetUser(uid)
	if err := s.Work.Load(ctx, uid); err != nil {
		s.log.Errorf("Failed to load work time: %v", err)
	}
	if err := s.Tasks.RestoreFromStore(ctx); err != nil {
		s.log.Errorf("Failed to restore active task: %v", err)
	}
	s.Sync.Go("sync after login", s.Sync.SyncAfterLogin)
}

// Login authenticates and loads the user's state.
func (s *Service) Login(ctx context.Context, login, password string) (domain.User, error) {
	if prev := s.Session.UserID(); prev != 0 {
		if err := s.Logout(ctx); err != nil {
			return domain.User{}, err
		}
	}
	u, err := s.Session.Login(ctx, login, password)
	if err != nil {
		return domain.User{}, err
	}
	s.signedIn(ctx)
	return u, nil
}

// Logout saves and uploads the work time, closes the active task, then ends
// the session locally and on the server.
func (s *Service) Logout(ctx context.Context) error {
	if s.Session.UserID() == 0 {
		return session.ErrNoSession
	}
	s.Activity.Flush(ctx, s.now().Unix())
	if err := s.Sync.SendWorkTime(ctx); err != nil {
		s.log.Warnf("Work time not sent: %v", err)
	}
	if err := s.Tasks.Deactivate(ctx); err != nil {
		s.log.Errorf("Failed to close the active task: %v", err)
	}
	// The stop push needs the token that Logout clears.
	s.Sync.Wait()
	if err := s.Session.Logout(ctx); err != nil {
		return err
	}
	s.Tasks.SetUser(0)
	s.Work.Clear()
	return nil
}

// Tick advances every engine by one second.
func (s *Service) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("PANIC recovered in tick: %v", r)
		}
	}()
	if s.Session.UserID() == 0 {
		return
	}
	if s.Work.Rollover(ctx) {
		s.log.Infof("New day, work time reset")
	}
	s.Tasks.Tick(ctx)
	s.Idle.Tick(ctx)
	running := s.Tasks.IsTracking()
	s.Work.Tick(ctx, running)
	if running && !s.Idle.IsIdle() {
		s.Activity.Poll(ctx)
	}
}

// Run drives the service until ctx is cancelled, then shuts it down.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.cfg
	tick := time.NewTicker(cfg.PollInterval)
	defer tick.Stop()
	ping := time.NewTicker(cfg.PingInterval)
	defer ping.Stop()
	refresh := time.NewTicker(cfg.TaskRefreshInterval)
	defer refresh.Stop()
	productive := time.NewTicker(cfg.ProductiveTimeInterval)
	defer productive.Stop()
	usage := time.NewTicker(cfg.UsageInterval)
	defer usage.Stop()

	s.log.Infof("Tracking started (poll %v, ping %v, refresh %v)", cfg.PollInterval, cfg.PingInterval, cfg.TaskRefreshInterval)
	for {
		select {
		case <-ctx.Done():
			return s.Shutdown()
		case <-tick.C:
			s.Tick(ctx)
		case <-ping.C:
			s.Sync.Go("ping", s.Sync.Ping)
		case <-refresh.C:
			if s.Session.UserID() != 0 {
				s.Sync.Go("refresh", s.Sync.RefreshAll)
			}
		case <-productive.C:
			if s.Session.UserID() != 0 {
				s.Sync.Go("productive time", s.Sync.PushProductiveTime)
			}
		case <-usage.C:
			if s.Session.UserID() != 0 {
				s.Sync.Go("daily usage", s.Sync.PushDailyUsage)
			}
		}
	}
}

// Shutdown flushes the activity log and work time. With logout_on_exit the
// session is ended; otherwise a playing task is paused so no time accrues
// while the process is down.
func (s *Service) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	s.log.Infof("Shutting down")

	var err error
	if s.Session.UserID() != 0 {
		if s.cfg.LogoutOnExit {
			err = s.Logout(ctx)
		} else {
			s.Activity.Flush(ctx, s.now().Unix())
			if s.Tasks.IsTracking() {
				err = s.Tasks.TogglePause(ctx)
			}
			if serr := s.Work.Save(ctx); serr != nil {
				err = errors.Join(err, serr)
			}
		}
	}
	s.Sync.Wait()
	s.Sync.Close()
	return err
}

// Status is a snapshot of everything the presentation layer shows.
type Status struct {
	User          *domain.User             `json:"user,omitempty"`
	Offline       bool                     `json:"offline"`
	ActiveTaskID  int64                    `json:"active_task_id"`
	Paused        bool                     `json:"paused"`
	Tracking      bool                     `json:"tracking"`
	TimeUsage     int64                    `json:"time_usage"`
	WorkTime      int64                    `json:"work_time_seconds"`
	IdleThreshold int64                    `json:"idle_threshold"`
	Idle          bool                     `json:"idle"`
	Window        probe.Window             `json:"window"`
	Stats         domain.ProductivityStats `json:"productivity_stats"`
}

// Status returns the current state.
func (s *Service) Status(ctx context.Context) Status {
	st := s.Tasks.State()
	out := Status{
		Offline:       s.Session.Offline(),
		ActiveTaskID:  st.ActiveID,
		Paused:        st.Paused,
		Tracking:      st.Tracking,
		TimeUsage:     st.TimeUsage,
		WorkTime:      s.Work.Seconds(),
		IdleThreshold: s.Idle.Threshold(),
		Idle:          s.Idle.IsIdle(),
		Window:        s.Activity.Current(),
	}
	if u, ok := s.Session.User(); ok {
		out.User = &u
	}
	if stats, err := s.Activity.Stats(ctx); err == nil {
		out.Stats = stats
	}
	return out
}

// SetActiveTask switches to task id.
func (s *Service) SetActiveTask(ctx context.Context, id int64) error {
	return s.Tasks.SetActiveTask(ctx, id)
}

// TogglePause pauses or resumes the active task.
func (s *Service) TogglePause(ctx context.Context) error {
	return s.Tasks.TogglePause(ctx)
}

// FinishTask completes task id locally.
func (s *Service) FinishTask(ctx context.Context, id int64) error {
	return s.Tasks.FinishTask(ctx, id)
}

// TaskList returns the user's tasks as displayed.
func (s *Service) TaskList(ctx context.Context) ([]tasks.TaskView, error) {
	return s.Tasks.Tasks(ctx)
}

// SetIdleThreshold stores a new idle threshold in seconds.
func (s *Service) SetIdleThreshold(ctx context.Context, seconds int64) error {
	return s.Idle.SetThreshold(ctx, seconds)
}

// AddProductivityApp requests a classification for an application, window
// title or url.
func (s *Service) AddProductivityApp(ctx context.Context, name, title, url string, typ domain.RuleType) error {
	return s.Sync.RequestProductivityApp(ctx, name, title, url, typ)
}

// PendingApps lists classification requests the server has not decided.
func (s *Service) PendingApps(ctx context.Context) ([]domain.Rule, error) {
	repo, err := s.store.Repo()
	if err != nil {
		return nil, err
	}
	return repo.PendingRules(ctx)
}

// Rules lists the decided rules of one type.
func (s *Service) Rules(ctx context.Context, typ domain.RuleType) ([]domain.Rule, error) {
	repo, err := s.store.Repo()
	if err != nil {
		return nil, err
	}
	all, err := repo.Rules(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Rule
	for _, r := range all {
		if r.Type == typ && r.Type != domain.TypePending {
			out = append(out, r)
		}
	}
	return out, nil
}

// SetLogFilter restricts the log and stats to local dates from..to.
func (s *Service) SetLogFilter(from, to string) error {
	return s.Activity.SetLogFilter(from, to)
}

// ClearLogFilter removes the log filter.
func (s *Service) ClearLogFilter() {
	s.Activity.ClearLogFilter()
}

// Log returns the filtered activity log, or the newest limit events when
// limit is positive.
func (s *Service) Log(ctx context.Context, limit int) ([]domain.ActivityEvent, error) {
	if limit > 0 {
		return s.Activity.Recent(ctx, limit)
	}
	return s.Activity.Events(ctx)
}

// Usage returns the daily usage report of a local date.
func (s *Service) Usage(ctx context.Context, day string) ([]domain.UsageEntry, error) {
	if day == "" {
		day = s.now().Format(domain.DateLayout)
	}
	return s.Activity.DailyUsage(ctx, day)
}

// Refresh runs a full sync in the background.
func (s *Service) Refresh() error {
	if s.Session.UserID() == 0 {
		return session.ErrNoSession
	}
	s.Sync.Go("refresh", s.Sync.RefreshAll)
	return nil
}
