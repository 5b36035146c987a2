// Package store persists schedules in SQLite.
//
// It owns the due-selection query: ClaimDue marks selected rows in flight so
// two overlapping executor passes never hand out the same due occurrence,
// and Finish writes a pass result back only while the claim still holds.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"nudgebot/internal/schedule"
	logx "nudgebot/pkg/logx"
)

var (
	ErrNotFound  = errors.New("schedule not found")
	ErrClaimLost = errors.New("schedule claim lost")
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Store is the schedule persistence layer. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the schedule database.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, agent_id, message, kind, spec, start_at, next_run, active,
	max_repetitions, repetition_count, failure_count, last_run, last_error, created_at`

// Create inserts a new schedule and returns its assigned id.
// Validation belongs to the ops layer; the store trusts its input.
func (s *Store) Create(ctx context.Context, sc *schedule.Schedule) (int64, error) {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (agent_id, message, kind, spec, start_at, next_run, active,
		    max_repetitions, repetition_count, failure_count, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?)`,
		sc.AgentID, sc.Message, string(sc.Kind), sc.Spec, nullUnix(sc.StartAt),
		unix(sc.NextRun), boolInt(sc.Active), nullInt(sc.MaxRepetitions), unix(sc.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("create schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	sc.ID = id
	return id, nil
}

// Get returns one schedule by id.
func (s *Store) Get(ctx context.Context, id int64) (*schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %d: %w", id, err)
	}
	return sc, nil
}

// Filter narrows List results.
type Filter struct {
	AgentID         string
	IncludeInactive bool
}

// List returns schedules ordered by next_run ascending.
func (s *Store) List(ctx context.Context, f Filter) ([]*schedule.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	var conds []string
	var args []any
	if a := strings.TrimSpace(f.AgentID); a != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, a)
	}
	if !f.IncludeInactive {
		conds = append(conds, "active = 1")
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY next_run ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Cancel deactivates a schedule. Cancelling an already-inactive schedule is
// a no-op success; an unknown id is ErrNotFound.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("cancel schedule %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDue selects due schedules oldest-first and marks them in flight, all
// in one transaction. A row already claimed within claimTTL is skipped; a
// claim older than claimTTL belongs to a crashed pass and is taken over.
// The returned claim timestamp must be echoed back to Finish.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, claimTTL time.Duration, limit int) ([]*schedule.Schedule, time.Time, error) {
	now = schedule.UTC(now)
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	staleBefore := now.Add(-claimTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("claim due: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE active = 1 AND next_run <= ?
		  AND (claimed_at IS NULL OR claimed_at <= ?)
		ORDER BY next_run ASC, id ASC`
	args := []any{unix(now), unix(staleBefore)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("claim due: %w", err)
	}
	var due []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, time.Time{}, err
		}
		due = append(due, sc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, time.Time{}, err
	}
	rows.Close()

	for _, sc := range due {
		if _, err := tx.ExecContext(ctx,
			`UPDATE schedules SET claimed_at = ? WHERE id = ?`, unix(now), sc.ID); err != nil {
			return nil, time.Time{}, fmt.Errorf("claim schedule %d: %w", sc.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, time.Time{}, fmt.Errorf("claim due: %w", err)
	}
	return due, now, nil
}

// Finish is the post-attempt state written back by the executor.
type Finish struct {
	NextRun         time.Time
	Active          bool
	RepetitionCount int64
	FailureCount    int64
	LastRun         time.Time
	LastError       string
}

// Finish applies a pass result to one schedule and releases its claim. The
// write is conditional on the claim still being ours; if another pass took
// the row over (claim expired mid-pass), the result is dropped with
// ErrClaimLost rather than clobbering newer state.
func (s *Store) Finish(ctx context.Context, id int64, claimedAt time.Time, fin Finish) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET next_run = ?, active = ?, repetition_count = ?, failure_count = ?,
		     last_run = ?, last_error = ?, claimed_at = NULL
		 WHERE id = ? AND claimed_at = ?`,
		unix(fin.NextRun), boolInt(fin.Active), fin.RepetitionCount, fin.FailureCount,
		unix(fin.LastRun), fin.LastError, id, unix(claimedAt),
	)
	if err != nil {
		return fmt.Errorf("finish schedule %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrClaimLost
	}
	return nil
}

// ReleaseClaims drops in-flight markers without touching schedule state.
// Used when a pass aborts before processing its claimed batch.
func (s *Store) ReleaseClaims(ctx context.Context, ids []int64) {
	for _, id := range ids {
		_, err := s.db.ExecContext(ctx, `UPDATE schedules SET claimed_at = NULL WHERE id = ?`, id)
		if err != nil {
			s.log.Warn("release claim failed", logx.Int64("id", id), logx.Err(err))
		}
	}
}

// DeleteInactiveBefore removes inactive schedules created before cutoff.
// Housekeeping only; the executor never deletes rows.
func (s *Store) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE active = 0 AND created_at < ?`, unix(schedule.UTC(cutoff)))
	if err != nil {
		return 0, fmt.Errorf("cleanup schedules: %w", err)
	}
	return res.RowsAffected()
}

// Stats summarizes the schedule table for monitoring.
type Stats struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
	DueNow   int64 `json:"due_now"`
	Once     int64 `json:"once"`
	Cron     int64 `json:"cron"`
	Interval int64 `json:"interval"`
}

// Stats returns table counts.
func (s *Store) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(active), 0),
		        COALESCE(SUM(CASE WHEN active = 1 AND next_run <= ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN kind = 'once' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN kind = 'cron' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN kind = 'interval' THEN 1 ELSE 0 END), 0)
		 FROM schedules`, unix(schedule.UTC(now)),
	).Scan(&st.Total, &st.Active, &st.DueNow, &st.Once, &st.Cron, &st.Interval)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	st.Inactive = st.Total - st.Active
	return st, nil
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (*schedule.Schedule, error) {
	var (
		sc        schedule.Schedule
		kind      string
		startAt   sql.NullInt64
		nextRun   int64
		active    int64
		maxReps   sql.NullInt64
		lastRun   sql.NullInt64
		lastError sql.NullString
		createdAt int64
	)
	err := r.Scan(&sc.ID, &sc.AgentID, &sc.Message, &kind, &sc.Spec, &startAt, &nextRun, &active,
		&maxReps, &sc.RepetitionCount, &sc.FailureCount, &lastRun, &lastError, &createdAt)
	if err != nil {
		return nil, err
	}
	sc.Kind = schedule.Kind(kind)
	sc.StartAt = unixPtr(startAt)
	sc.NextRun = fromUnix(nextRun)
	sc.Active = active != 0
	if maxReps.Valid {
		v := maxReps.Int64
		sc.MaxRepetitions = &v
	}
	sc.LastRun = unixPtr(lastRun)
	sc.LastError = lastError.String
	sc.CreatedAt = fromUnix(createdAt)
	return &sc, nil
}

func unix(t time.Time) int64 { return schedule.UTC(t).Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return unix(*t)
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
