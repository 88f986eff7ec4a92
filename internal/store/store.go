// Package store implements the durable queue and task tables over an
// embedded relational engine. Built on the writer/reader pool split
// in internal/db and on internal/db/dialect for sqlite/postgres portability.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/db"
	"github.com/dancegit/tmux-orchestrator/internal/db/dialect"
	"github.com/dancegit/tmux-orchestrator/internal/orcherr"
)

// Status is a Project's position in the state machine.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusClaiming   Status = "CLAIMING"
	StatusProcessing Status = "PROCESSING"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Project is a unit of work in the queue.
type Project struct {
	ID              int64      `db:"id"`
	SpecPath        string     `db:"spec_path"`
	ProjectPath     string     `db:"project_path"`
	Status          Status     `db:"status"`
	SessionName     *string    `db:"session_name"`
	EnqueuedAt      int64      `db:"enqueued_at"`
	StartedAt       *int64     `db:"started_at"`
	CompletedAt     *int64     `db:"completed_at"`
	ErrorMessage    *string    `db:"error_message"`
	RetryCount      int        `db:"retry_count"`
	HeartbeatAt     *int64     `db:"heartbeat_at"`
	TimeoutDeadline *int64     `db:"timeout_deadline"`
	DependsOn       dependsOn  `db:"depends_on"`
	ClaimedAt       *int64     `db:"claimed_at"`
	HeartbeatExtns  int        `db:"heartbeat_extensions"`
}

// dependsOn is a JSON-encoded []int64 stored in a single column, keeping the
// schema to two tables instead of adding a join table.
type dependsOn []int64

func (d dependsOn) Value() (interface{}, error) {
	if len(d) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]int64(d))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *dependsOn) Scan(src interface{}) error {
	if src == nil {
		*d = nil
		return nil
	}
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("depends_on: unsupported scan type %T", src)
	}
	if raw == "" {
		*d = nil
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return fmt.Errorf("depends_on: %w", err)
	}
	*d = ids
	return nil
}

// boolFlag stores a bool as a SQLite/Postgres-portable integer, scanning the
// 0/1 column back by hand rather than relying on driver-level bool support.
type boolFlag bool

func (b boolFlag) Value() (interface{}, error) {
	return dialect.BoolToInt(bool(b)), nil
}

func (b *boolFlag) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*b = v != 0
	case int32:
		*b = v != 0
	case bool:
		*b = boolFlag(v)
	case nil:
		*b = false
	default:
		return fmt.Errorf("boolFlag: unsupported scan type %T", src)
	}
	return nil
}

// Task is a time-triggered message to deliver into a pane.
type Task struct {
	ID              int64    `db:"id"`
	SessionName     string   `db:"session_name"`
	WindowTarget    int      `db:"window_target"`
	Payload         string   `db:"payload"`
	ScheduledAt     int64    `db:"scheduled_at"`
	RetryCount      int      `db:"retry_count"`
	MaxRetries      int      `db:"max_retries"`
	IntervalMinutes int      `db:"interval_minutes"`
	Disabled        boolFlag `db:"disabled"`
	LastError       *string  `db:"last_error"`
}

// Store is the durable queue and task store.
type Store struct {
	pool   *db.Pool
	clock  clock.Clock
	cfg    config.SchedulerConfig
	driver string
}

// New wraps an already-opened writer/reader pool.
func New(pool *db.Pool, cfg config.SchedulerConfig, driverName string, c clock.Clock) *Store {
	return &Store{pool: pool, clock: c, cfg: cfg, driver: driverName}
}

// Open opens a Store from a DatabaseConfig, choosing sqlite or postgres per
// cfg.Driver, as selected by internal/common/config.DatabaseConfig.Driver.
func Open(dbCfg config.DatabaseConfig, schedCfg config.SchedulerConfig, c clock.Clock) (*Store, error) {
	var writer, reader *sqlx.DB

	switch dbCfg.Driver {
	case "postgres":
		raw, err := db.OpenPostgres(dbCfg.DSN(), dbCfg.MaxConns, dbCfg.MinConns)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Configuration, "open postgres", err)
		}
		writer = sqlx.NewDb(raw, "pgx")
		reader = writer
	case "sqlite", "":
		w, err := db.OpenSQLite(dbCfg.Path)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Configuration, "open sqlite writer", err)
		}
		r, err := db.OpenSQLiteReader(dbCfg.Path)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.Configuration, "open sqlite reader", err)
		}
		writer = sqlx.NewDb(w, "sqlite3")
		reader = sqlx.NewDb(r, "sqlite3")
	default:
		return nil, orcherr.New(orcherr.Configuration, fmt.Sprintf("unknown database driver %q", dbCfg.Driver))
	}

	pool := db.NewPool(writer, reader)
	s := New(pool, schedCfg, dbCfg.Driver, c)
	if err := s.migrate(context.Background()); err != nil {
		_ = pool.Close()
		return nil, orcherr.Wrap(orcherr.Configuration, "migrate schema", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.pool.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			spec_path TEXT NOT NULL,
			project_path TEXT NOT NULL,
			status TEXT NOT NULL,
			session_name TEXT,
			enqueued_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			heartbeat_at INTEGER,
			timeout_deadline INTEGER,
			depends_on TEXT NOT NULL DEFAULT '[]',
			claimed_at INTEGER,
			heartbeat_extensions INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_session_active
			ON projects(session_name)
			WHERE session_name IS NOT NULL AND status IN ('PROCESSING', 'PAUSED')`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_name TEXT NOT NULL,
			window_target INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			scheduled_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			interval_minutes INTEGER NOT NULL DEFAULT 0,
			disabled INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.pool.Writer().ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue inserts a new QUEUED project and returns its id.
func (s *Store) Enqueue(ctx context.Context, specPath, projectPath string, dependsOn []int64) (int64, error) {
	depsJSON := "[]"
	if len(dependsOn) > 0 {
		b, err := json.Marshal(dependsOn)
		if err != nil {
			return 0, orcherr.Wrap(orcherr.Configuration, "marshal depends_on", err)
		}
		depsJSON = string(b)
	}
	now := s.clock.Now().Unix()
	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(),
		`INSERT INTO projects (spec_path, project_path, status, enqueued_at, depends_on)
		 VALUES (?, ?, ?, ?, ?)`,
		specPath, projectPath, StatusQueued, now, depsJSON,
	)
	if err != nil {
		return 0, orcherr.Wrap(orcherr.Transient, "enqueue project", err)
	}
	return id, nil
}

// ClaimNext atomically selects the oldest eligible QUEUED row (all
// dependencies COMPLETED), tags it CLAIMING, and returns it. A caller that
// fails before Transition-ing to PROCESSING leaves the row recoverable by
// the compensating sweep in SweepStaleClaims.
func (s *Store) ClaimNext(ctx context.Context) (*Project, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "begin claim_next", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryxContext(ctx,
		`SELECT * FROM projects WHERE status = ? ORDER BY enqueued_at ASC`, StatusQueued)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "scan queued projects", err)
	}

	var candidate *Project
	for rows.Next() {
		var p Project
		if err := rows.StructScan(&p); err != nil {
			_ = rows.Close()
			return nil, orcherr.Wrap(orcherr.Transient, "scan project row", err)
		}
		ready, err := s.dependenciesSatisfied(ctx, tx, p.DependsOn)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		if ready {
			candidate = &p
			break
		}
	}
	_ = rows.Close()

	if candidate == nil {
		return nil, nil
	}

	now := s.clock.Now().Unix()
	res, err := tx.ExecContext(ctx,
		`UPDATE projects SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		StatusClaiming, now, candidate.ID, StatusQueued)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "mark claiming", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "rows affected", err)
	}
	if n == 0 {
		// Another writer claimed it first between the SELECT and the UPDATE.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "commit claim_next", err)
	}
	candidate.Status = StatusClaiming
	candidate.ClaimedAt = &now
	return candidate, nil
}

func (s *Store) dependenciesSatisfied(ctx context.Context, tx *sqlx.Tx, ids []int64) (bool, error) {
	for _, id := range ids {
		var status Status
		err := tx.GetContext(ctx, &status, `SELECT status FROM projects WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, orcherr.Wrap(orcherr.Transient, "check dependency", err)
		}
		if status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// SweepStaleClaims returns CLAIMING rows older than maxAge back to QUEUED,
// implementing the compensating sweep RecoveryManager also runs at startup
// to clear a stale CLAIMING intent.
func (s *Store) SweepStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-maxAge).Unix()
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE projects SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at < ?`,
		StatusQueued, StatusClaiming, cutoff)
	if err != nil {
		return 0, orcherr.Wrap(orcherr.Transient, "sweep stale claims", err)
	}
	return res.RowsAffected()
}

// TransitionPatch carries the fields a transition may set alongside status.
type TransitionPatch struct {
	SessionName     *string
	StartedAt       *int64
	CompletedAt     *int64
	ErrorMessage    *string
	RetryCount      *int
	HeartbeatAt     *int64
	TimeoutDeadline *int64
}

// Transition performs a compare-and-set state transition: it fails with
// StateConflict if the row's current status does not equal from.
func (s *Store) Transition(ctx context.Context, id int64, from, to Status, patch TransitionPatch) error {
	sets := []string{"status = ?"}
	args := []interface{}{to}

	if patch.SessionName != nil {
		sets = append(sets, "session_name = ?")
		args = append(args, *patch.SessionName)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *patch.CompletedAt)
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.HeartbeatAt != nil {
		sets = append(sets, "heartbeat_at = ?")
		args = append(args, *patch.HeartbeatAt)
	}
	if patch.TimeoutDeadline != nil {
		sets = append(sets, "timeout_deadline = ?")
		args = append(args, *patch.TimeoutDeadline)
	}

	query := "UPDATE projects SET " + joinComma(sets) + " WHERE id = ? AND status = ?"
	args = append(args, id, from)

	res, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(query), args...)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "transition project", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "rows affected", err)
	}
	if n == 0 {
		return orcherr.New(orcherr.StateConflict, fmt.Sprintf("project %d is not %s", id, from))
	}
	return nil
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	var p Project
	err := s.pool.Reader().GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("project %d", id))
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "get project", err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by id, for the CLI `list` command.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	var ps []Project
	if err := s.pool.Reader().SelectContext(ctx, &ps, `SELECT * FROM projects ORDER BY id ASC`); err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list projects", err)
	}
	return ps, nil
}

// ListProjectsByPath returns every project whose project_path contains
// pathContains, using the driver-appropriate case-insensitive match operator.
// An empty pathContains is equivalent to ListProjects.
func (s *Store) ListProjectsByPath(ctx context.Context, pathContains string) ([]Project, error) {
	if pathContains == "" {
		return s.ListProjects(ctx)
	}
	query := s.pool.Reader().Rebind(fmt.Sprintf(
		`SELECT * FROM projects WHERE project_path %s ? ORDER BY id ASC`, dialect.Like(s.pool.Reader().DriverName())))
	var ps []Project
	if err := s.pool.Reader().SelectContext(ctx, &ps, query, "%"+pathContains+"%"); err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "list projects by path", err)
	}
	return ps, nil
}

// ProjectsByStatus returns every project currently in one of the given
// statuses, used by SessionMonitor/RecoveryManager/Watchdog.
func (s *Store) ProjectsByStatus(ctx context.Context, statuses ...Status) ([]Project, error) {
	query, args, err := sqlx.In(`SELECT * FROM projects WHERE status IN (?)`, statusesToArgs(statuses))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "build status query", err)
	}
	query = s.pool.Reader().Rebind(query)
	var ps []Project
	if err := s.pool.Reader().SelectContext(ctx, &ps, query, args...); err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "query projects by status", err)
	}
	return ps, nil
}

func statusesToArgs(statuses []Status) []interface{} {
	out := make([]interface{}, len(statuses))
	for i, st := range statuses {
		out[i] = st
	}
	return out
}

// TasksDue returns tasks with scheduled_at <= now, disabled = false, and
// retry_count <= max_retries.
func (s *Store) TasksDue(ctx context.Context, now time.Time) ([]Task, error) {
	var tasks []Task
	err := s.pool.Reader().SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE scheduled_at <= ? AND disabled = ? AND retry_count <= max_retries
		 ORDER BY scheduled_at ASC`,
		now.Unix(), dialect.BoolToInt(false))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Transient, "tasks_due", err)
	}
	return tasks, nil
}

// InsertTask inserts a new task row.
func (s *Store) InsertTask(ctx context.Context, t Task) (int64, error) {
	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(),
		`INSERT INTO tasks (session_name, window_target, payload, scheduled_at, max_retries, interval_minutes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionName, t.WindowTarget, t.Payload, t.ScheduledAt, t.MaxRetries, t.IntervalMinutes)
	if err != nil {
		return 0, orcherr.Wrap(orcherr.Transient, "insert task", err)
	}
	return id, nil
}

// RecordTaskResult applies T1-T3: on success, delete (one-shot) or
// reschedule; on failure, bump retry_count, compute next attempt via
// exponential backoff, and disable on cap breach.
func (s *Store) RecordTaskResult(ctx context.Context, taskID int64, success bool, taskErr error, now time.Time, backoffBaseSec, backoffMultiplier int) error {
	if success {
		var t Task
		if err := s.pool.Reader().GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, taskID); err != nil {
			return orcherr.Wrap(orcherr.Transient, "load task for success", err)
		}
		if t.IntervalMinutes == 0 {
			// T2: one-shot task is consumed on successful send.
			_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
			if err != nil {
				return orcherr.Wrap(orcherr.Transient, "delete one-shot task", err)
			}
			return nil
		}
		nextAt := now.Unix() + int64(t.IntervalMinutes)*60
		_, err := s.pool.Writer().ExecContext(ctx,
			`UPDATE tasks SET scheduled_at = ?, retry_count = 0, last_error = NULL WHERE id = ?`,
			nextAt, taskID)
		if err != nil {
			return orcherr.Wrap(orcherr.Transient, "reschedule task", err)
		}
		return nil
	}

	var t Task
	if err := s.pool.Reader().GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, taskID); err != nil {
		return orcherr.Wrap(orcherr.Transient, "load task for failure", err)
	}

	newRetryCount := t.RetryCount + 1
	errMsg := ""
	if taskErr != nil {
		errMsg = taskErr.Error()
	}

	if newRetryCount > t.MaxRetries {
		// T1: breach disables the task permanently.
		_, err := s.pool.Writer().ExecContext(ctx,
			`UPDATE tasks SET retry_count = ?, disabled = ?, last_error = ? WHERE id = ?`,
			newRetryCount, dialect.BoolToInt(true), errMsg, taskID)
		if err != nil {
			return orcherr.Wrap(orcherr.Transient, "disable exhausted task", err)
		}
		return orcherr.New(orcherr.Exhausted, fmt.Sprintf("task %d exceeded max_retries", taskID))
	}

	// T3: delay = base * multiplier^retry_count, integer arithmetic only.
	delay := backoffBaseSec
	for i := 0; i < newRetryCount; i++ {
		delay *= backoffMultiplier
	}
	nextAt := now.Unix() + int64(delay)

	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE tasks SET retry_count = ?, scheduled_at = ?, last_error = ? WHERE id = ?`,
		newRetryCount, nextAt, errMsg, taskID)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "record task failure", err)
	}
	return nil
}

// DisableTask marks a task disabled with a reason (e.g. poison-task
// quarantine: session_gone), independent of the retry-cap path.
func (s *Store) DisableTask(ctx context.Context, taskID int64, reason string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE tasks SET disabled = ?, last_error = ? WHERE id = ?`,
		dialect.BoolToInt(true), reason, taskID)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "disable task", err)
	}
	return nil
}

// VacuumTasksOlderThan deletes disabled tasks whose last scheduled_at
// predates cutoff.
func (s *Store) VacuumTasksOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM tasks WHERE disabled = ? AND scheduled_at < ?`,
		dialect.BoolToInt(true), cutoff.Unix())
	if err != nil {
		return 0, orcherr.Wrap(orcherr.Transient, "vacuum tasks", err)
	}
	return res.RowsAffected()
}

// Heartbeat sets heartbeat_at = now and, if the project has not exhausted
// heartbeat_max_extensions, extends timeout_deadline by extensionSec.
func (s *Store) Heartbeat(ctx context.Context, projectID int64, now time.Time, maxExtensions int, extensionSec int) error {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	nowUnix := now.Unix()
	if p.HeartbeatExtns >= maxExtensions {
		_, err := s.pool.Writer().ExecContext(ctx,
			`UPDATE projects SET heartbeat_at = ? WHERE id = ?`, nowUnix, projectID)
		return errOrNil(err, "heartbeat without extension")
	}
	var newDeadline int64
	if p.TimeoutDeadline != nil {
		newDeadline = *p.TimeoutDeadline + int64(extensionSec)
	} else {
		newDeadline = nowUnix + int64(extensionSec)
	}
	_, err = s.pool.Writer().ExecContext(ctx,
		`UPDATE projects SET heartbeat_at = ?, timeout_deadline = ?, heartbeat_extensions = heartbeat_extensions + 1 WHERE id = ?`,
		nowUnix, newDeadline, projectID)
	return errOrNil(err, "heartbeat with extension")
}

func errOrNil(err error, msg string) error {
	if err == nil {
		return nil
	}
	return orcherr.Wrap(orcherr.Transient, msg, err)
}
