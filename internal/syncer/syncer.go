// Package syncer keeps the local store in step with the Deskmon server:
// task lists and statuses, pause pushes, liveness pings, productivity rules
// and the periodic usage reports.
//
// Network calls run on tracked goroutines so the service loop never blocks
// on the server. Every reply checks that the user it was issued for is still
// signed in before it touches local state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Christopher-Hayes/deskmon/deskmon"
	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/Christopher-Hayes/deskmon/internal/store"
	"github.com/Christopher-Hayes/deskmon/internal/tasks"
	"github.com/google/uuid"
)

// ErrAuth is returned when a sync needs a session token and there is none.
var ErrAuth = errors.New("not authenticated")

// DefaultTimeout bounds every background request.
const DefaultTimeout = 30 * time.Second

// API is the part of the server API the coordinator uses.
type API interface {
	Tasks(ctx context.Context) ([]deskmon.ServerTask, error)
	TaskStatus(ctx context.Context, taskID int64) (string, error)
	EndImplementation(ctx context.Context, taskID int64) error
	Ping(ctx context.Context, taskID int64) (deskmon.PingResult, error)
	ProductivityApps(ctx context.Context) ([]deskmon.ServerApp, error)
	RequestApp(ctx context.Context, r deskmon.AppRequest) error
	SendDailyUsage(ctx context.Context, u deskmon.DailyUsage) error
	SendTimeAtWork(ctx context.Context, userID, seconds int64) error
	SendProductiveTime(ctx context.Context, p deskmon.ProductiveTime) error
}

// Session is the signed-in user.
type Session interface {
	UserID() int64
	Token() string
	Expire(ctx context.Context)
}

// Reports derives the usage uploads from the activity log.
type Reports interface {
	Totals(ctx context.Context, day string) (domain.DurationTotals, error)
	DailyUsage(ctx context.Context, day string) ([]domain.UsageEntry, error)
	DayEvents(ctx context.Context, day string) ([]domain.ActivityEvent, error)
}

// WorkTime is today's time-at-work record.
type WorkTime interface {
	Record() domain.WorkTime
	Save(ctx context.Context) error
}

// Sink receives a copy of every daily usage report.
type Sink interface {
	Name() string
	Export(ctx context.Context, r domain.UsageReport) error
}

// Deps wires a Coordinator.
type Deps struct {
	API      API
	Session  Session
	Tasks    *tasks.Accounting
	Store    *store.Store
	Bus      *events.Bus
	Reports  Reports
	WorkTime WorkTime
	Sinks    []Sink
	Timeout  time.Duration
}

// Coordinator runs the server synchronisation.
type Coordinator struct {
	api     API
	session Session
	tasks   *tasks.Accounting
	store   *store.Store
	bus     *events.Bus
	reports Reports
	work    WorkTime
	sinks   []Sink
	timeout time.Duration
	log     *logging.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshing atomic.Bool
	pinging    atomic.Bool
}

// New returns a Coordinator subscribed to play/stop events.
func New(d Deps) *Coordinator {
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		api:     d.API,
		session: d.Session,
		tasks:   d.Tasks,
		store:   d.Store,
		bus:     d.Bus,
		reports: d.Reports,
		work:    d.WorkTime,
		sinks:   d.Sinks,
		timeout: d.Timeout,
		log:     logging.New("sync"),
		Now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	if d.Bus != nil {
		d.Bus.Subscribe(c.handle)
	}
	return c
}

func (c *Coordinator) handle(e events.Event) {
	switch e.Kind {
	case events.PlayStopped:
		if e.Push && e.TaskID != 0 {
			id, gen := e.TaskID, e.Gen
			c.Go("push pause", func(ctx context.Context) error { return c.PushPause(ctx, id, gen) })
		}
	case events.PlayStarted:
		c.Go("ping", c.Ping)
	}
}

// Go runs fn on a tracked goroutine with the request timeout. Errors and
// panics are logged.
func (c *Coordinator) Go(op string, fn func(ctx context.Context) error) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Errorf("%s panicked: %v", op, r)
			}
		}()
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		if err := fn(ctx); err != nil && !errors.Is(err, ErrAuth) {
			c.log.Debugf("%s: %v", op, err)
		}
	}()
}

// Wait blocks until every background request has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Close cancels outstanding requests and waits for them.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// fail logs a failed call. A 401 expires the session.
func (c *Coordinator) fail(ctx context.Context, op string, err error) error {
	if deskmon.IsUnauthorized(err) || errors.Is(err, deskmon.ErrNoToken) {
		c.session.Expire(ctx)
		c.log.Warnf("%s: session expired", op)
		return fmt.Errorf("%s: %w", op, ErrAuth)
	}
	c.log.Errorf("%s failed: %v", op, err)
	return fmt.Errorf("%s: %w", op, err)
}

// authorized returns the current user or ErrAuth, publishing AuthExpired
// when the token is missing.
func (c *Coordinator) authorized() (int64, error) {
	uid := c.session.UserID()
	if uid == 0 {
		return 0, ErrAuth
	}
	if c.session.Token() == "" {
		c.bus.Publish(events.Event{Kind: events.AuthExpired, Value: uid})
		return 0, ErrAuth
	}
	return uid, nil
}

func (c *Coordinator) stale(uid int64, op string) bool {
	if c.session.UserID() != uid {
		c.log.Debugf("Dropping %s reply for user %d", op, uid)
		return true
	}
	return false
}

// FetchAndStoreTasks merges the server's task list into the store in one
// transaction. Elapsed time and budgets only grow.
func (c *Coordinator) FetchAndStoreTasks(ctx context.Context) error {
	_, err := c.fetchTasks(ctx)
	return err
}

// fetchTasks merges the task list and returns the stored task the server
// lists as on-progress, 0 when there is none.
func (c *Coordinator) fetchTasks(ctx context.Context) (int64, error) {
	uid, err := c.authorized()
	if err != nil {
		return 0, err
	}
	list, err := c.api.Tasks(ctx)
	if err != nil {
		return 0, c.fail(ctx, "fetch tasks", err)
	}
	if c.stale(uid, "task list") {
		return 0, nil
	}

	activeID := c.tasks.ActiveTaskID()
	var adopt, onProgress int64
	var added, updated int
	err = c.store.InTx(ctx, func(r store.Repo) error {
		for _, st := range list {
			if strings.EqualFold(st.Status, "completed") || st.UserID != uid {
				continue
			}
			maxTime := domain.DefaultMaxTime
			if st.Duration != nil && *st.Duration > 0 {
				maxTime = *st.Duration
			}
			var elapsed int64
			if st.TimeUsage != nil && *st.TimeUsage > 0 {
				elapsed = *st.TimeUsage
			}
			local, err := r.Task(ctx, st.ID)
			if errors.Is(err, store.ErrNotFound) {
				if strings.EqualFold(st.Status, "on-progress") {
					onProgress = st.ID
				}
				added++
				if err := r.InsertTask(ctx, domain.Task{
					ID:          st.ID,
					ProjectName: st.Title,
					Description: st.Description,
					MaxTime:     maxTime,
					TimeUsage:   elapsed,
					Status:      domain.StatusPending,
					UserID:      uid,
				}); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if local.UserID != uid {
				c.log.Warnf("Server task %d is stored for user %d, skipped", st.ID, local.UserID)
				continue
			}
			if strings.EqualFold(st.Status, "on-progress") {
				onProgress = st.ID
			}
			updated++
			if err := r.UpdateTaskDetails(ctx, st.ID, st.Title, st.Description,
				max(local.MaxTime, maxTime), max(local.TimeUsage, elapsed)); err != nil {
				return err
			}
			if st.ID == activeID && elapsed > local.TimeUsage {
				adopt = elapsed
			}
		}
		return nil
	})
	if err != nil {
		c.log.Errorf("Storing tasks failed, nothing changed: %v", err)
		return 0, err
	}
	if adopt > 0 {
		c.tasks.AdoptElapsed(activeID, adopt)
	}
	c.log.Verbosef("Tasks synced: %d new, %d updated", added, updated)
	c.bus.Publish(events.Event{Kind: events.TaskListChanged})
	return onProgress, nil
}

// UpdateTaskStatus applies the server's status of one task.
func (c *Coordinator) UpdateTaskStatus(ctx context.Context, id int64) error {
	return c.updateTaskStatus(ctx, id, true)
}

// updateTaskStatus applies a status; an on-progress task only becomes the
// active task when promote is set.
func (c *Coordinator) updateTaskStatus(ctx context.Context, id int64, promote bool) error {
	uid, err := c.authorized()
	if err != nil {
		return err
	}
	status, err := c.api.TaskStatus(ctx, id)
	if err != nil {
		return c.fail(ctx, fmt.Sprintf("status of task %d", id), err)
	}
	if c.stale(uid, "task status") {
		return nil
	}
	repo, err := c.store.Repo()
	if err != nil {
		return err
	}
	task, err := repo.Task(ctx, id)
	if err != nil {
		return fmt.Errorf("task %d: %w", id, err)
	}
	if task.UserID != uid {
		return tasks.ErrNotOwned
	}
	active := c.tasks.ActiveTaskID() == id

	var next domain.TaskStatus
	switch strings.ToLower(status) {
	case "created", "pending":
		next = domain.StatusPending
	case "on-progress":
		if active || !promote {
			return nil
		}
		return c.tasks.SetActiveTask(ctx, id)
	case "on-review":
		if active {
			if err := c.tasks.DeactivateForReview(ctx, id); err != nil {
				return err
			}
			c.bus.Publish(events.Event{Kind: events.ReviewNotification, TaskID: id, Title: task.ProjectName,
				Message: fmt.Sprintf("Task '%s' has been paused automatically because it's under review.", task.Description)})
			return nil
		}
		next = domain.StatusReview
		c.bus.Publish(events.Event{Kind: events.ReviewNotification, TaskID: id, Title: task.ProjectName,
			Message: "Task is under review. Please wait for approval."})
	case "need-review":
		next = domain.StatusNeedReview
	case "need-revise":
		next = domain.StatusNeedRevise
	case "completed":
		return c.tasks.FinishTask(ctx, id)
	default:
		c.log.Warnf("Unknown status %q for task %d", status, id)
		return nil
	}
	if active && next != domain.StatusReview {
		// The in-memory state owns the status of the active task.
		return nil
	}
	if task.Status == next {
		return nil
	}
	if err := repo.SetTaskStatus(ctx, id, next); err != nil {
		return err
	}
	c.log.Verbosef("Task %d status is now %s", id, next)
	c.bus.Publish(events.Event{Kind: events.TaskListChanged})
	return nil
}

// PushPause reports that a task stopped playing. When the server refuses
// because another task is in progress, the local switch made at generation
// gen is reverted if nothing changed since.
func (c *Coordinator) PushPause(ctx context.Context, id int64, gen uint64) error {
	if _, err := c.authorized(); err != nil {
		return err
	}
	err := c.api.EndImplementation(ctx, id)
	if err == nil {
		c.log.Debugf("Pushed stop of task %d", id)
		return nil
	}
	if deskmon.IsConflict(err) {
		if c.tasks.RevertTaskChange(ctx, gen) {
			c.log.Warnf("Server refused stopping task %d, switch reverted", id)
		}
		return err
	}
	return c.fail(ctx, fmt.Sprintf("push pause of task %d", id), err)
}

// Ping reports the playing task as alive. A reply asking for a refresh
// triggers RefreshAll. Concurrent pings collapse into one.
func (c *Coordinator) Ping(ctx context.Context) error {
	id, running := c.tasks.Running()
	if !running {
		return nil
	}
	if _, err := c.authorized(); err != nil {
		return err
	}
	if !c.pinging.CompareAndSwap(false, true) {
		return nil
	}
	res, err := c.api.Ping(ctx, id)
	c.pinging.Store(false)
	if err != nil {
		return c.fail(ctx, "ping", err)
	}
	if res.Refresh {
		c.log.Infof("Server requested a refresh")
		return c.RefreshAll(ctx)
	}
	return nil
}

// RefreshAll re-syncs tasks, rules and the active task's status, then
// re-derives the active task from the server's on-progress task when there is
// one. The snapshot taken before the fetch is restored only when nothing
// changed the active task or paused flag in the meantime. Concurrent
// refreshes collapse into one.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	if !c.refreshing.CompareAndSwap(false, true) {
		c.log.Debugf("Refresh already running")
		return nil
	}
	defer c.refreshing.Store(false)

	uid := c.session.UserID()
	snap := c.tasks.Snapshot()
	var errs []error
	onProgress, err := c.fetchTasks(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if err := c.FetchAndStoreProductivityApps(ctx); err != nil {
		errs = append(errs, err)
	}
	// A switch or pause made while fetching wins over the server's view.
	moved := c.tasks.Snapshot().Seq != snap.Seq
	if snap.ActiveID != 0 {
		if err := c.updateTaskStatus(ctx, snap.ActiveID, !moved); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if !moved && onProgress != 0 && onProgress != snap.ActiveID && onProgress != c.tasks.ActiveTaskID() {
		if err := c.UpdateTaskStatus(ctx, onProgress); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if c.session.UserID() == uid {
		if err := c.tasks.Restore(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FetchAndStoreProductivityApps stores the server's classifications as
// global rules in one transaction.
func (c *Coordinator) FetchAndStoreProductivityApps(ctx context.Context) error {
	uid, err := c.authorized()
	if err != nil {
		return err
	}
	apps, err := c.api.ProductivityApps(ctx)
	if err != nil {
		return c.fail(ctx, "fetch productivity apps", err)
	}
	if c.stale(uid, "productivity apps") {
		return nil
	}
	err = c.store.InTx(ctx, func(r store.Repo) error {
		for _, app := range apps {
			name := strings.TrimSpace(app.ApplicationName)
			if name == "" {
				continue
			}
			typ := domain.ParseRuleType(strings.ToLower(app.ProductivityStatus))
			if err := r.UpsertServerRule(ctx, name, strings.TrimSpace(app.ProcessName), typ); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.log.Errorf("Storing productivity apps failed, nothing changed: %v", err)
		return err
	}
	c.log.Verbosef("Stored %d productivity rules", len(apps))
	c.bus.Publish(events.Event{Kind: events.ProductivityAppsChanged})
	c.bus.Publish(events.Event{Kind: events.ProductivityStatsChanged})
	return nil
}

// RequestProductivityApp records a classification request locally and
// submits it to the server. The local request is kept when the upload fails.
func (c *Coordinator) RequestProductivityApp(ctx context.Context, name, title, url string, typ domain.RuleType) error {
	name, title, url = strings.TrimSpace(name), strings.TrimSpace(title), strings.TrimSpace(url)
	if name == "" && url == "" {
		return errors.New("application name or url is required")
	}
	uid := c.session.UserID()
	if uid == 0 {
		return ErrAuth
	}
	repo, err := c.store.Repo()
	if err != nil {
		return err
	}
	appName := name
	if appName == "" {
		appName = url
	}
	if err := repo.RequestRule(ctx, domain.Rule{
		AppName:       appName,
		WindowTitle:   title,
		URL:           url,
		RequestedType: typ,
		ForUser:       strconv.FormatInt(uid, 10),
	}); err != nil {
		return err
	}
	c.bus.Publish(events.Event{Kind: events.ProductivityAppsChanged})

	if _, err := c.authorized(); err != nil {
		return err
	}
	err = c.api.RequestApp(ctx, deskmon.AppRequest{
		ApplicationName:    appName,
		ProductivityStatus: typ.String(),
		UserID:             uid,
		ProcessName:        title,
	})
	if err != nil {
		return c.fail(ctx, "request productivity app", err)
	}
	c.log.Successf("Requested %s as %s", appName, typ)
	return nil
}

func (c *Coordinator) today() string { return c.Now().Format(domain.DateLayout) }

// PushProductiveTime uploads today's per-classification totals.
func (c *Coordinator) PushProductiveTime(ctx context.Context) error {
	uid, err := c.authorized()
	if err != nil {
		return err
	}
	day := c.today()
	totals, err := c.reports.Totals(ctx, day)
	if err != nil {
		return err
	}
	if err := c.api.SendProductiveTime(ctx, deskmon.ProductiveTime{UserID: uid, Date: day, DurationTotals: totals}); err != nil {
		return c.fail(ctx, "push productive time", err)
	}
	return nil
}

// PushDailyUsage uploads today's usage grouped by application and domain,
// then hands the report to the export sinks.
func (c *Coordinator) PushDailyUsage(ctx context.Context) error {
	uid := c.session.UserID()
	if uid == 0 {
		return ErrAuth
	}
	day := c.today()
	usage, err := c.reports.DailyUsage(ctx, day)
	if err != nil {
		return err
	}
	if len(usage) == 0 {
		return nil
	}

	var errs []error
	if _, err := c.authorized(); err == nil {
		if err := c.api.SendDailyUsage(ctx, deskmon.DailyUsage{UserID: uid, Date: day, Apps: usage}); err != nil {
			errs = append(errs, c.fail(ctx, "push daily usage", err))
		}
	}
	if len(c.sinks) == 0 {
		return errors.Join(errs...)
	}

	report := domain.UsageReport{ID: uuid.NewString(), UserID: uid, Date: day, Usage: usage}
	if report.Totals, err = c.reports.Totals(ctx, day); err != nil {
		return err
	}
	if report.Events, err = c.reports.DayEvents(ctx, day); err != nil {
		return err
	}
	for _, s := range c.sinks {
		if err := s.Export(ctx, report); err != nil {
			c.log.Errorf("Export to %s failed: %v", s.Name(), err)
			errs = append(errs, fmt.Errorf("export to %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SendWorkTime saves today's work time and uploads it.
func (c *Coordinator) SendWorkTime(ctx context.Context) error {
	if err := c.work.Save(ctx); err != nil {
		c.log.Errorf("Saving work time failed: %v", err)
	}
	rec := c.work.Record()
	if rec.UserID == 0 {
		return nil
	}
	if _, err := c.authorized(); err != nil {
		return err
	}
	if err := c.api.SendTimeAtWork(ctx, rec.UserID, rec.Seconds); err != nil {
		return c.fail(ctx, "send work time", err)
	}
	return nil
}

// SyncAfterLogin fetches tasks and rules, then the status of every local
// task of the user.
func (c *Coordinator) SyncAfterLogin(ctx context.Context) error {
	uid, err := c.authorized()
	if err != nil {
		return err
	}
	var errs []error
	if err := c.FetchAndStoreTasks(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.FetchAndStoreProductivityApps(ctx); err != nil {
		errs = append(errs, err)
	}
	repo, err := c.store.Repo()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	list, err := repo.TasksForUser(ctx, uid)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, t := range list {
		if err := c.UpdateTaskStatus(ctx, t.ID); err != nil {
			if errors.Is(err, ErrAuth) {
				errs = append(errs, err)
				break
			}
			c.log.Debugf("Status of task %d: %v", t.ID, err)
		}
	}
	return errors.Join(errs...)
}
