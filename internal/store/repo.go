package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo provides typed queries over a Querier.
type Repo struct {
	q Querier
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- users ---

const userColumns = `id, username, email, password_hash, department, role, token, last_login_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Department, &u.Role, &u.Token, &u.LastLoginAt)
	return u, notFound(err)
}

// UpsertUser inserts or replaces the user row keyed by id.
func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO users(`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username=excluded.username, email=excluded.email, password_hash=excluded.password_hash,
			department=excluded.department, role=excluded.role, token=excluded.token,
			last_login_at=excluded.last_login_at`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Department, u.Role, u.Token, u.LastLoginAt)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

// UserByID loads a user.
func (r Repo) UserByID(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

// UserByLogin finds a user by email or username.
func (r Repo) UserByLogin(ctx context.Context, login string) (domain.User, error) {
	return scanUser(r.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email=? OR username=? ORDER BY last_login_at DESC LIMIT 1`, login, login))
}

// LastSessionUser returns the most recently logged-in user that still holds a token.
func (r Repo) LastSessionUser(ctx context.Context) (domain.User, error) {
	return scanUser(r.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE token != '' ORDER BY last_login_at DESC LIMIT 1`))
}

// SetUserToken stores (or clears, with "") the session token.
func (r Repo) SetUserToken(ctx context.Context, id int64, token string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE users SET token=? WHERE id=?`, token, id)
	return err
}

// --- tasks ---

const taskColumns = `id, project_name, description, max_time, time_usage, active, paused, status, user_id`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var active, paused int
	var status string
	err := row.Scan(&t.ID, &t.ProjectName, &t.Description, &t.MaxTime, &t.TimeUsage, &active, &paused, &status, &t.UserID)
	if err != nil {
		return t, notFound(err)
	}
	t.Active = active != 0
	t.Paused = paused != 0
	t.Status = domain.TaskStatus(status)
	return t, nil
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Task loads one task.
func (r Repo) Task(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// TasksForUser lists a user's tasks ordered by id.
func (r Repo) TasksForUser(ctx context.Context, userID int64) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id=? ORDER BY id`, userID)
}

// ActiveTasks lists the user's tasks flagged active (normally zero or one).
func (r Repo) ActiveTasks(ctx context.Context, userID int64) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id=? AND active=1 ORDER BY id`, userID)
}

// InsertTask creates a task row.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectName, t.Description, t.MaxTime, t.TimeUsage, b2i(t.Active), b2i(t.Paused), string(t.Status), t.UserID)
	if err != nil {
		return fmt.Errorf("insert task %d: %w", t.ID, err)
	}
	return nil
}

// UpdateTaskDetails overwrites the server-owned fields of a task.
func (r Repo) UpdateTaskDetails(ctx context.Context, id int64, project, description string, maxTime, timeUsage int64) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE tasks SET project_name=?, description=?, max_time=?, time_usage=? WHERE id=?`,
		project, description, maxTime, timeUsage, id)
	return err
}

// UpdateTaskUsage persists elapsed seconds.
func (r Repo) UpdateTaskUsage(ctx context.Context, id, timeUsage int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE tasks SET time_usage=? WHERE id=?`, timeUsage, id)
	return err
}

// SetTaskStatus changes only the status column.
func (r Repo) SetTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error {
	_, err := r.q.ExecContext(ctx, `UPDATE tasks SET status=? WHERE id=?`, string(status), id)
	return err
}

// SetTaskState writes the accounting columns of a task in one statement.
func (r Repo) SetTaskState(ctx context.Context, id int64, active, paused bool, status domain.TaskStatus, timeUsage int64) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE tasks SET active=?, paused=?, status=?, time_usage=? WHERE id=?`,
		b2i(active), b2i(paused), string(status), timeUsage, id)
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	return nil
}

// ClearActive resets the active flag on every task of the user except keep.
func (r Repo) ClearActive(ctx context.Context, userID, keep int64) error {
	_, err := r.q.ExecContext(ctx, `UPDATE tasks SET active=0, paused=0 WHERE user_id=? AND active=1 AND id != ?`, userID, keep)
	return err
}

// DeleteTask removes the task row.
func (r Repo) DeleteTask(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

// ArchiveTask records a completed task.
func (r Repo) ArchiveTask(ctx context.Context, c domain.CompletedTask) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO completed_tasks(task_id, project_name, description, max_time, time_usage, completed_at, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.TaskID, c.ProjectName, c.Description, c.MaxTime, c.TimeUsage, c.CompletedAt, c.UserID)
	if err != nil {
		return fmt.Errorf("archive task %d: %w", c.TaskID, err)
	}
	return nil
}

// CompletedTasks lists archived tasks newest first.
func (r Repo) CompletedTasks(ctx context.Context, userID int64) ([]domain.CompletedTask, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT task_id, project_name, description, max_time, time_usage, completed_at, user_id
		FROM completed_tasks WHERE user_id=? ORDER BY completed_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CompletedTask
	for rows.Next() {
		var c domain.CompletedTask
		if err := rows.Scan(&c.TaskID, &c.ProjectName, &c.Description, &c.MaxTime, &c.TimeUsage, &c.CompletedAt, &c.UserID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- pause log ---

// OpenInterval returns the task's open interval or ErrNotFound.
func (r Repo) OpenInterval(ctx context.Context, taskID int64) (domain.PauseInterval, error) {
	var p domain.PauseInterval
	var state string
	err := r.q.QueryRowContext(ctx,
		`SELECT id, task_id, state, started_at FROM pause_log WHERE task_id=? AND ended_at IS NULL`, taskID).
		Scan(&p.ID, &p.TaskID, &state, &p.Start)
	if err != nil {
		return p, notFound(err)
	}
	p.State = domain.IntervalState(state)
	return p, nil
}

// CloseOpenInterval ends the task's open interval at ts, whatever its state.
func (r Repo) CloseOpenInterval(ctx context.Context, taskID, ts int64) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE pause_log SET ended_at=MAX(started_at, ?) WHERE task_id=? AND ended_at IS NULL`, ts, taskID)
	return err
}

// OpenIntervalAt starts a new interval. The caller closes any open one first.
func (r Repo) OpenIntervalAt(ctx context.Context, taskID int64, state domain.IntervalState, ts int64) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO pause_log(task_id, state, started_at) VALUES (?, ?, ?)`, taskID, string(state), ts)
	if err != nil {
		return fmt.Errorf("open %s interval for task %d: %w", state, taskID, err)
	}
	return nil
}

// SwitchInterval closes the open interval and opens one in the given state.
// When the open interval is already in that state it is left untouched.
func (r Repo) SwitchInterval(ctx context.Context, taskID int64, state domain.IntervalState, ts int64) error {
	open, err := r.OpenInterval(ctx, taskID)
	switch {
	case err == nil && open.State == state:
		return nil
	case err == nil:
		if err := r.CloseOpenInterval(ctx, taskID, ts); err != nil {
			return err
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return r.OpenIntervalAt(ctx, taskID, state, ts)
}

// Intervals lists a task's pause log in order.
func (r Repo) Intervals(ctx context.Context, taskID int64) ([]domain.PauseInterval, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, task_id, state, started_at, ended_at FROM pause_log WHERE task_id=? ORDER BY started_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PauseInterval
	for rows.Next() {
		var p domain.PauseInterval
		var state string
		var end sql.NullInt64
		if err := rows.Scan(&p.ID, &p.TaskID, &state, &p.Start, &end); err != nil {
			return nil, err
		}
		p.State = domain.IntervalState(state)
		if end.Valid {
			v := end.Int64
			p.End = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- activity log ---

// InsertActivity appends an activity event.
func (r Repo) InsertActivity(ctx context.Context, e domain.ActivityEvent) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO activity_log(user_id, start_time, end_time, app_name, title, url) VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Start, e.End, e.AppName, e.Title, e.URL)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Activities lists the user's events whose start lies in [from, to).
// A zero bound is open.
func (r Repo) Activities(ctx context.Context, userID, from, to int64) ([]domain.ActivityEvent, error) {
	if to == 0 {
		to = 1<<62 - 1
	}
	return r.queryActivities(ctx, `
		SELECT id, user_id, start_time, end_time, app_name, title, url FROM activity_log
		WHERE user_id=? AND start_time >= ? AND start_time < ? ORDER BY start_time, id`, userID, from, to)
}

// RecentActivities lists the newest events first.
func (r Repo) RecentActivities(ctx context.Context, userID int64, limit int) ([]domain.ActivityEvent, error) {
	return r.queryActivities(ctx, `
		SELECT id, user_id, start_time, end_time, app_name, title, url FROM activity_log
		WHERE user_id=? ORDER BY start_time DESC, id DESC LIMIT ?`, userID, limit)
}

func (r Repo) queryActivities(ctx context.Context, query string, args ...any) ([]domain.ActivityEvent, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ActivityEvent
	for rows.Next() {
		var e domain.ActivityEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Start, &e.End, &e.AppName, &e.Title, &e.URL); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- productivity rules ---

// Rules lists every productivity rule.
func (r Repo) Rules(ctx context.Context) ([]domain.Rule, error) {
	return r.queryRules(ctx, `SELECT id, app_name, window_title, url, type, requested_type, for_user FROM productivity_apps ORDER BY id`)
}

// PendingRules lists rules requested locally that the server has not decided.
func (r Repo) PendingRules(ctx context.Context) ([]domain.Rule, error) {
	return r.queryRules(ctx, `
		SELECT id, app_name, window_title, url, type, requested_type, for_user FROM productivity_apps
		WHERE type=0 AND requested_type != 0 ORDER BY id`)
}

func (r Repo) queryRules(ctx context.Context, query string, args ...any) ([]domain.Rule, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Rule
	for rows.Next() {
		var rule domain.Rule
		var typ, req int
		if err := rows.Scan(&rule.ID, &rule.AppName, &rule.WindowTitle, &rule.URL, &typ, &req, &rule.ForUser); err != nil {
			return nil, err
		}
		rule.Type = domain.RuleType(typ)
		rule.RequestedType = domain.RuleType(req)
		out = append(out, rule)
	}
	return out, rows.Err()
}

// UpsertServerRule stores a server-decided rule as global.
func (r Repo) UpsertServerRule(ctx context.Context, app, title string, typ domain.RuleType) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO productivity_apps(app_name, window_title, type, for_user) VALUES (?, ?, ?, ?)
		ON CONFLICT(app_name, window_title) DO UPDATE SET type=excluded.type, for_user=excluded.for_user`,
		app, title, int(typ), domain.GlobalScope)
	if err != nil {
		return fmt.Errorf("upsert rule %q: %w", app, err)
	}
	return nil
}

// RequestRule records a user's pending classification request.
func (r Repo) RequestRule(ctx context.Context, rule domain.Rule) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO productivity_apps(app_name, window_title, url, type, requested_type, for_user) VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(app_name, window_title) DO UPDATE SET url=excluded.url, requested_type=excluded.requested_type`,
		rule.AppName, rule.WindowTitle, rule.URL, int(rule.RequestedType), rule.ForUser)
	if err != nil {
		return fmt.Errorf("request rule %q: %w", rule.AppName, err)
	}
	return nil
}

// --- settings ---

// Setting reads a key, returning ErrNotFound when unset.
func (r Repo) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	return v, notFound(err)
}

// SettingInt reads an integer key.
func (r Repo) SettingInt(ctx context.Context, key string) (int64, error) {
	v, err := r.Setting(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return n, nil
}

// SetSetting writes a key.
func (r Repo) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// --- work time ---

// WorkTime returns the stored seconds for a user and date, 0 when none.
func (r Repo) WorkTime(ctx context.Context, userID int64, date string) (int64, error) {
	var s int64
	err := r.q.QueryRowContext(ctx, `SELECT seconds FROM work_time WHERE user_id=? AND date=?`, userID, date).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return s, err
}

// SaveWorkTime writes the record for a user and date.
func (r Repo) SaveWorkTime(ctx context.Context, w domain.WorkTime) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO work_time(user_id, date, seconds) VALUES (?, ?, ?)`, w.UserID, w.Date, w.Seconds)
	if err != nil {
		return fmt.Errorf("save work time: %w", err)
	}
	return nil
}
