// Package tasks keeps the active task of the signed-in user and accounts the
// time spent on it.
//
// While a task plays its elapsed time is offset + (now - start); while it is
// paused it is offset. Every play/pause transition is written to the pause
// log in the same transaction as the task row, so the log always alternates
// and has at most one open interval per task.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/Christopher-Hayes/deskmon/internal/store"
)

var (
	ErrNoActiveTask = errors.New("no active task")
	ErrNoUser       = errors.New("no signed-in user")
	ErrNotOwned     = errors.New("task belongs to another user")
)

// ConflictMessage is shown when the server refuses a task switch.
const ConflictMessage = "Please pause the running task before switching to another task"

// DefaultGraceDelay is how long a newly activated task stays paused before
// it starts playing.
const DefaultGraceDelay = 2 * time.Second

// Accounting owns the in-memory active task state.
type Accounting struct {
	store *store.Store
	bus   *events.Bus
	log   *logging.Logger

	// Now is the clock; tests replace it.
	Now   func() time.Time
	grace time.Duration

	mu         sync.Mutex
	userID     int64
	activeID   int64
	paused     bool
	autoPaused bool
	offset     int64
	start      int64
	resumeAt   time.Time
	gen        uint64
	// seq moves on every change of the active task or its paused flag.
	seq uint64
}

// New returns an Accounting with no user.
func New(st *store.Store, bus *events.Bus, grace time.Duration) *Accounting {
	if grace < 0 {
		grace = DefaultGraceDelay
	}
	return &Accounting{
		store: st,
		bus:   bus,
		log:   logging.New("tasks"),
		Now:   time.Now,
		grace: grace,
	}
}

// State is a read-only view of the accounting state.
type State struct {
	UserID     int64  `json:"user_id"`
	ActiveID   int64  `json:"active_task_id"`
	Paused     bool   `json:"paused"`
	AutoPaused bool   `json:"auto_paused"`
	Tracking   bool   `json:"tracking"`
	TimeUsage  int64  `json:"time_usage"`
	Generation uint64 `json:"generation"`
}

// Snapshot captures the active task and its paused flag. Seq identifies the
// state it was taken from.
type Snapshot struct {
	ActiveID int64
	Paused   bool
	Seq      uint64
}

// TaskView is a task as shown to the user.
type TaskView struct {
	domain.Task
	DisplayStatus string `json:"display_status"`
	Elapsed       string `json:"elapsed"`
}

func (a *Accounting) now() int64 { return a.Now().Unix() }

// usageLocked is the live elapsed time of the active task.
func (a *Accounting) usageLocked(now int64) int64 {
	if a.activeID == 0 {
		return 0
	}
	if a.paused {
		return a.offset
	}
	if now < a.start {
		return a.offset
	}
	return a.offset + (now - a.start)
}

func (a *Accounting) publish(evs []events.Event) {
	for _, e := range evs {
		a.bus.Publish(e)
	}
}

// State returns the current state.
func (a *Accounting) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		UserID:     a.userID,
		ActiveID:   a.activeID,
		Paused:     a.paused,
		AutoPaused: a.autoPaused,
		Tracking:   a.activeID != 0 && !a.paused,
		TimeUsage:  a.usageLocked(a.now()),
		Generation: a.gen,
	}
}

// ActiveTaskID returns the active task, 0 when none.
func (a *Accounting) ActiveTaskID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeID
}

// Running returns the active task id when it is playing.
func (a *Accounting) Running() (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeID, a.activeID != 0 && !a.paused
}

// IsTracking reports whether time is being accounted right now.
func (a *Accounting) IsTracking() bool {
	_, ok := a.Running()
	return ok
}

// IdleWatched reports whether idleness should be monitored: a task is
// playing, or it was paused by the idle monitor itself.
func (a *Accounting) IdleWatched() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeID != 0 && (!a.paused || a.autoPaused)
}

// Generation is bumped whenever the active task changes.
func (a *Accounting) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// UserID returns the user whose tasks are accounted.
func (a *Accounting) UserID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID
}

// SetUser switches the accounted user. In-memory state of the previous user
// is dropped; call Deactivate first to persist it.
func (a *Accounting) SetUser(userID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.userID == userID {
		return
	}
	a.userID = userID
	a.clearLocked()
}

func (a *Accounting) clearLocked() {
	a.activeID = 0
	a.paused = false
	a.autoPaused = false
	a.offset = 0
	a.start = 0
	a.resumeAt = time.Time{}
	a.gen++
	a.seq++
}

// SetActiveTask makes id the active task. The previous task is closed and
// its elapsed time persisted; the new task starts paused and plays after the
// grace delay unless something else changes the state first.
func (a *Accounting) SetActiveTask(ctx context.Context, id int64) error {
	a.mu.Lock()
	if a.userID == 0 {
		a.mu.Unlock()
		return ErrNoUser
	}
	if id == a.activeID {
		a.mu.Unlock()
		return nil
	}
	evs, err := a.activateLocked(ctx, id)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.publish(evs)
	return nil
}

func (a *Accounting) activateLocked(ctx context.Context, id int64) ([]events.Event, error) {
	repo, err := a.store.Repo()
	if err != nil {
		return nil, err
	}
	task, err := repo.Task(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task %d: %w", id, err)
	}
	if task.UserID != a.userID {
		return nil, ErrNotOwned
	}

	now := a.now()
	prevID, prevRunning := a.activeID, a.activeID != 0 && !a.paused
	prevUsage, prevStart := a.usageLocked(now), a.start

	err = a.store.InTx(ctx, func(r store.Repo) error {
		if prevID != 0 {
			prev, err := r.Task(ctx, prevID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err == nil {
				status := domain.StatusPending
				if prev.Status.Sticky() {
					status = prev.Status
				}
				if err := r.SetTaskState(ctx, prevID, false, false, status, prevUsage); err != nil {
					return err
				}
				if err := r.SwitchInterval(ctx, prevID, domain.StatePause, now); err != nil {
					return err
				}
			}
		}
		if err := r.ClearActive(ctx, a.userID, id); err != nil {
			return err
		}
		if err := r.SetTaskState(ctx, id, true, true, domain.StatusPaused, task.TimeUsage); err != nil {
			return err
		}
		return r.SwitchInterval(ctx, id, domain.StatePause, now)
	})
	if err != nil {
		a.log.Errorf("Failed to activate task %d: %v", id, err)
		return nil, err
	}

	a.activeID = id
	a.paused = true
	a.autoPaused = false
	a.offset = task.TimeUsage
	a.start = now
	a.resumeAt = a.Now().Add(a.grace)
	a.gen++
	a.seq++
	a.log.Infof("Active task is now %d (previous %d)", id, prevID)

	var evs []events.Event
	if prevRunning {
		evs = append(evs, events.Event{Kind: events.PlayStopped, TaskID: prevID, Start: prevStart, End: now,
			Reason: events.ReasonSwitch, Gen: a.gen, Push: true})
		evs = append(evs, events.Event{Kind: events.TrackingActiveChanged, Flag: false})
	}
	evs = append(evs,
		events.Event{Kind: events.ActiveTaskChanged, TaskID: id, Gen: a.gen},
		events.Event{Kind: events.TaskPausedChanged, TaskID: id, Flag: true},
		events.Event{Kind: events.TaskListChanged},
	)
	return evs, nil
}

// TogglePause pauses the playing task or resumes the paused one. A pending
// grace resume is cancelled either way.
func (a *Accounting) TogglePause(ctx context.Context) error {
	a.mu.Lock()
	if a.activeID == 0 {
		a.mu.Unlock()
		a.log.Warnf("Toggle pause ignored: no active task")
		return ErrNoActiveTask
	}
	var evs []events.Event
	var err error
	if a.paused {
		evs, err = a.resumeLocked(ctx)
	} else {
		evs, err = a.pauseLocked(ctx, events.ReasonManual, true)
	}
	if err == nil {
		a.autoPaused = false
		a.resumeAt = time.Time{}
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.publish(evs)
	return nil
}

// AutoPause pauses the playing task because the user went idle.
func (a *Accounting) AutoPause(ctx context.Context) error {
	a.mu.Lock()
	if a.activeID == 0 || a.paused {
		a.mu.Unlock()
		return nil
	}
	evs, err := a.pauseLocked(ctx, events.ReasonIdle, true)
	if err == nil {
		a.autoPaused = true
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.publish(evs)
	return nil
}

// AutoResume resumes a task paused by AutoPause. Manual pauses are kept.
func (a *Accounting) AutoResume(ctx context.Context) error {
	a.mu.Lock()
	if a.activeID == 0 || !a.paused || !a.autoPaused {
		a.mu.Unlock()
		return nil
	}
	evs, err := a.resumeLocked(ctx)
	if err == nil {
		a.autoPaused = false
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.publish(evs)
	return nil
}

// pauseLocked persists offset + elapsed, closes the play interval and opens a
// pause interval in one transaction. Memory changes only after commit.
func (a *Accounting) pauseLocked(ctx context.Context, reason events.StopReason, push bool) ([]events.Event, error) {
	id := a.activeID
	now := a.now()
	usage := a.usageLocked(now)
	err := a.store.InTx(ctx, func(r store.Repo) error {
		if err := r.SetTaskState(ctx, id, true, true, domain.StatusPaused, usage); err != nil {
			return err
		}
		return r.SwitchInterval(ctx, id, domain.StatePause, now)
	})
	if err != nil {
		a.log.Errorf("Failed to pause task %d: %v", id, err)
		return nil, err
	}
	start := a.start
	a.offset = usage
	a.paused = true
	a.start = now
	a.seq++
	a.log.Verbosef("Paused task %d at %s (%s)", id, domain.FormatDuration(usage), reason)
	return []events.Event{
		{Kind: events.PlayStopped, TaskID: id, Start: start, End: now, Reason: reason, Gen: a.gen, Push: push},
		{Kind: events.TaskPausedChanged, TaskID: id, Flag: true},
		{Kind: events.TrackingActiveChanged, Flag: false},
		{Kind: events.TaskListChanged},
	}, nil
}

func (a *Accounting) resumeLocked(ctx context.Context) ([]events.Event, error) {
	id := a.activeID
	now := a.now()
	err := a.store.InTx(ctx, func(r store.Repo) error {
		if err := r.SetTaskState(ctx, id, true, false, domain.StatusOnProgress, a.offset); err != nil {
			return err
		}
		return r.SwitchInterval(ctx, id, domain.StatePlay, now)
	})
	if err != nil {
		a.log.Errorf("Failed to resume task %d: %v", id, err)
		return nil, err
	}
	a.paused = false
	a.start = now
	a.resumeAt = time.Time{}
	a.seq++
	a.log.Verbosef("Resumed task %d at %s", id, domain.FormatDuration(a.offset))
	return []events.Event{
		{Kind: events.PlayStarted, TaskID: id, Start: now, Gen: a.gen},
		{Kind: events.TaskPausedChanged, TaskID: id, Flag: false},
		{Kind: events.TrackingActiveChanged, Flag: true},
		{Kind: events.TaskListChanged},
	}, nil
}

// Tick runs once per second: it fires a due grace resume and persists the
// elapsed time of the playing task.
func (a *Accounting) Tick(ctx context.Context) {
	a.mu.Lock()
	if a.activeID == 0 {
		a.mu.Unlock()
		return
	}
	var evs []events.Event
	if a.paused && !a.resumeAt.IsZero() && !a.Now().Before(a.resumeAt) {
		var err error
		evs, err = a.resumeLocked(ctx)
		if err != nil {
			// Try again on the next tick.
			a.mu.Unlock()
			return
		}
	} else if !a.paused {
		a.updateTaskTimeLocked(ctx)
	}
	a.mu.Unlock()
	a.publish(evs)
}

func (a *Accounting) updateTaskTimeLocked(ctx context.Context) {
	repo, err := a.store.Repo()
	if err != nil {
		return
	}
	task, err := repo.Task(ctx, a.activeID)
	if err != nil {
		a.log.Debugf("Update skipped for task %d: %v", a.activeID, err)
		return
	}
	if task.UserID != a.userID {
		a.log.Errorf("Task %d belongs to user %d, not %d; time not updated", task.ID, task.UserID, a.userID)
		return
	}
	if task.Status == domain.StatusReview {
		return
	}
	if err := repo.UpdateTaskUsage(ctx, task.ID, a.usageLocked(a.now())); err != nil {
		a.log.Errorf("Failed to update time for task %d: %v", task.ID, err)
	}
}

// FinishTask archives a task as completed and removes it from the task list.
func (a *Accounting) FinishTask(ctx context.Context, id int64) error {
	a.mu.Lock()
	repo, err := a.store.Repo()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	task, err := repo.Task(ctx, id)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("load task %d: %w", id, err)
	}
	if task.UserID != a.userID {
		a.mu.Unlock()
		return ErrNotOwned
	}
	now := a.now()
	usage := task.TimeUsage
	isActive := id == a.activeID
	wasRunning := isActive && !a.paused
	start := a.start
	if isActive {
		usage = a.usageLocked(now)
	}
	err = a.store.InTx(ctx, func(r store.Repo) error {
		if err := r.CloseOpenInterval(ctx, id, now); err != nil {
			return err
		}
		if err := r.ArchiveTask(ctx, domain.CompletedTask{
			TaskID:      id,
			ProjectName: task.ProjectName,
			Description: task.Description,
			MaxTime:     task.MaxTime,
			TimeUsage:   usage,
			CompletedAt: now,
			UserID:      task.UserID,
		}); err != nil {
			return err
		}
		return r.DeleteTask(ctx, id)
	})
	if err != nil {
		a.mu.Unlock()
		a.log.Errorf("Failed to finish task %d: %v", id, err)
		return err
	}
	var evs []events.Event
	if isActive {
		a.clearLocked()
		if wasRunning {
			evs = append(evs, events.Event{Kind: events.PlayStopped, TaskID: id, Start: start, End: now, Reason: events.ReasonFinish, Gen: a.gen})
		}
		evs = append(evs,
			events.Event{Kind: events.ActiveTaskChanged, Gen: a.gen},
			events.Event{Kind: events.TaskPausedChanged, Flag: false},
			events.Event{Kind: events.TrackingActiveChanged, Flag: false},
		)
	}
	evs = append(evs, events.Event{Kind: events.TaskListChanged})
	a.mu.Unlock()
	a.log.Successf("Task %d completed (%s)", id, domain.FormatDuration(usage))
	a.publish(evs)
	return nil
}

// RevertTaskChange undoes a switch the server refused. It only acts when no
// other switch happened since gen was observed: the active task is paused
// again without reporting the stop and the pending grace resume is cancelled.
func (a *Accounting) RevertTaskChange(ctx context.Context, gen uint64) bool {
	a.mu.Lock()
	if gen != a.gen || a.activeID == 0 {
		a.mu.Unlock()
		return false
	}
	a.resumeAt = time.Time{}
	a.autoPaused = false
	a.seq++
	var evs []events.Event
	if !a.paused {
		var err error
		evs, err = a.pauseLocked(ctx, events.ReasonConflict, false)
		if err != nil {
			a.mu.Unlock()
			return false
		}
	}
	a.mu.Unlock()
	evs = append(evs, events.Event{Kind: events.Notification, Title: "Task switch refused", Message: ConflictMessage})
	a.publish(evs)
	return true
}

// DeactivateForReview stops accounting a task the server moved to review.
// Nothing is pushed back to the server.
func (a *Accounting) DeactivateForReview(ctx context.Context, id int64) error {
	return a.deactivate(ctx, id, events.ReasonReview, false, domain.StatusReview)
}

// Deactivate closes the active task, reporting the stop when it was playing.
// Used on logout and shutdown.
func (a *Accounting) Deactivate(ctx context.Context) error {
	return a.deactivate(ctx, 0, events.ReasonLogout, true, "")
}

func (a *Accounting) deactivate(ctx context.Context, id int64, reason events.StopReason, push bool, status domain.TaskStatus) error {
	a.mu.Lock()
	if a.activeID == 0 || (id != 0 && id != a.activeID) {
		a.mu.Unlock()
		return nil
	}
	id = a.activeID
	now := a.now()
	usage := a.usageLocked(now)
	wasRunning := !a.paused
	start := a.start
	err := a.store.InTx(ctx, func(r store.Repo) error {
		st := status
		if st == "" {
			task, err := r.Task(ctx, id)
			if err != nil {
				return err
			}
			st = domain.StatusPending
			if task.Status.Sticky() {
				st = task.Status
			}
		}
		if err := r.SetTaskState(ctx, id, false, false, st, usage); err != nil {
			return err
		}
		return r.SwitchInterval(ctx, id, domain.StatePause, now)
	})
	if err != nil {
		a.mu.Unlock()
		a.log.Errorf("Failed to deactivate task %d: %v", id, err)
		return err
	}
	a.clearLocked()
	var evs []events.Event
	if wasRunning {
		evs = append(evs, events.Event{Kind: events.PlayStopped, TaskID: id, Start: start, End: now, Reason: reason, Gen: a.gen, Push: push})
	}
	evs = append(evs,
		events.Event{Kind: events.ActiveTaskChanged, Gen: a.gen},
		events.Event{Kind: events.TaskPausedChanged, Flag: false},
		events.Event{Kind: events.TrackingActiveChanged, Flag: false},
		events.Event{Kind: events.TaskListChanged},
	)
	a.mu.Unlock()
	a.publish(evs)
	return nil
}

// AdoptElapsed raises the active task's elapsed time to value when the server
// reports more than is accounted locally. It never lowers it.
func (a *Accounting) AdoptElapsed(id, value int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == 0 || id != a.activeID {
		return
	}
	now := a.now()
	if value <= a.usageLocked(now) {
		return
	}
	a.offset = value
	a.start = now
	a.log.Debugf("Adopted server elapsed %ds for task %d", value, id)
}

// Snapshot captures the state a refresh must restore.
func (a *Accounting) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{ActiveID: a.activeID, Paused: a.paused, Seq: a.seq}
}

// Restore brings back the snapshot's active task and paused flag after a
// refresh, provided the task still exists and is not in review or completed.
// With an empty snapshot the current state is kept, and so is any state
// changed after the snapshot was taken.
func (a *Accounting) Restore(ctx context.Context, snap Snapshot) error {
	if snap.ActiveID == 0 {
		return nil
	}
	a.mu.Lock()
	if a.seq != snap.Seq {
		a.mu.Unlock()
		a.log.Debugf("Kept current task state: it changed during the refresh")
		return nil
	}
	repo, err := a.store.Repo()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	task, err := repo.Task(ctx, snap.ActiveID)
	if err != nil || task.Status.Sticky() || task.UserID != a.userID {
		a.mu.Unlock()
		return nil
	}
	var evs []events.Event
	if a.activeID != snap.ActiveID {
		evs, err = a.activateLocked(ctx, snap.ActiveID)
		if err != nil {
			a.mu.Unlock()
			return err
		}
	}
	var more []events.Event
	switch {
	case snap.Paused && !a.paused:
		more, err = a.pauseLocked(ctx, events.ReasonManual, false)
	case snap.Paused:
		a.resumeAt = time.Time{}
	case a.paused:
		more, err = a.resumeLocked(ctx)
	}
	a.mu.Unlock()
	a.publish(append(evs, more...))
	return err
}

// RestoreFromStore rebuilds the in-memory state from the persisted active
// flag after login. The task comes back paused; duplicates are repaired.
func (a *Accounting) RestoreFromStore(ctx context.Context) error {
	a.mu.Lock()
	if a.userID == 0 {
		a.mu.Unlock()
		return ErrNoUser
	}
	repo, err := a.store.Repo()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	active, err := repo.ActiveTasks(ctx, a.userID)
	if err != nil || len(active) == 0 {
		a.mu.Unlock()
		return err
	}
	task := active[0]
	now := a.now()
	err = a.store.InTx(ctx, func(r store.Repo) error {
		if err := r.ClearActive(ctx, a.userID, task.ID); err != nil {
			return err
		}
		status := domain.StatusPaused
		if task.Status.Sticky() {
			status = task.Status
		}
		if err := r.SetTaskState(ctx, task.ID, true, true, status, task.TimeUsage); err != nil {
			return err
		}
		return r.SwitchInterval(ctx, task.ID, domain.StatePause, now)
	})
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.activeID = task.ID
	a.paused = true
	a.autoPaused = false
	a.offset = task.TimeUsage
	a.start = now
	a.resumeAt = time.Time{}
	a.gen++
	a.seq++
	gen := a.gen
	a.mu.Unlock()
	if len(active) > 1 {
		a.log.Warnf("Found %d active tasks, kept task %d", len(active), task.ID)
	}
	a.publish([]events.Event{
		{Kind: events.ActiveTaskChanged, TaskID: task.ID, Gen: gen},
		{Kind: events.TaskPausedChanged, TaskID: task.ID, Flag: true},
		{Kind: events.TaskListChanged},
	})
	return nil
}

// Tasks returns the user's tasks with display status and live elapsed time.
func (a *Accounting) Tasks(ctx context.Context) ([]TaskView, error) {
	a.mu.Lock()
	uid, activeID, paused := a.userID, a.activeID, a.paused
	usage := a.usageLocked(a.now())
	a.mu.Unlock()
	if uid == 0 {
		return nil, nil
	}
	repo, err := a.store.Repo()
	if err != nil {
		return nil, err
	}
	list, err := repo.TasksForUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(list))
	for _, t := range list {
		v := TaskView{Task: t, DisplayStatus: string(t.Status)}
		if t.ID == activeID {
			t.TimeUsage = usage
			v.Task = t
			v.Active = true
			v.Paused = paused
			if t.Status != domain.StatusReview {
				v.DisplayStatus = "Running"
				if paused {
					v.DisplayStatus = "Paused"
				}
			}
		}
		v.Elapsed = domain.FormatDuration(v.TimeUsage)
		views = append(views, v)
	}
	return views, nil
}
