package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cadence/pkg/logx"
)

// SQLite keeps timestamps as unix nanoseconds so ordering is numeric.
type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	table string
}

const sqliteColumns = `id, type, args, tag, status, attempts, max_attempts, run_at, enqueued_at, updated_at, locked_at, last_error`

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	table, err := tableName(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers inside this process; busy_timeout
	// covers the other processes sharing the file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log, table: table}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite queue opened", logx.String("path", cfg.Path), logx.String("table", table))
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	args         BLOB NOT NULL,
	tag          TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	run_at       INTEGER NOT NULL,
	enqueued_at  INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	locked_at    INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %[1]s_ready ON %[1]s (status, tag, run_at, enqueued_at);
CREATE INDEX IF NOT EXISTS %[1]s_type ON %[1]s (type, status);`, s.table))
	return err
}

func (s *sqliteStore) Enqueue(ctx context.Context, m *Message) error {
	if err := prepare(m, nowUTC()); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, s.table, sqliteColumns),
		m.ID, m.Type, []byte(m.Args), m.Tag, string(m.Status), m.Attempts, m.MaxAttempts,
		m.RunAt.UnixNano(), m.EnqueuedAt.UnixNano(), m.UpdatedAt.UnixNano(), int64(0), m.LastError,
	)
	if err != nil {
		return fmt.Errorf("queue/sqlite: enqueue: %w", err)
	}
	return nil
}

// Dequeue claims in one UPDATE ... RETURNING statement, so two processes
// can never claim the same row.
func (s *sqliteStore) Dequeue(ctx context.Context, tags []string) (*Message, error) {
	now := nowUTC().UnixNano()
	ls := lanes(tags)
	args := []any{string(StatusProcessing), now, now, string(StatusQueued)}
	for _, t := range ls {
		args = append(args, t)
	}
	args = append(args, now)

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE %[1]s SET status = ?, attempts = attempts + 1, locked_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM %[1]s
	WHERE status = ? AND tag IN (%[2]s) AND run_at <= ?
	ORDER BY run_at, enqueued_at
	LIMIT 1
)
RETURNING %[3]s`, s.table, placeholders(len(ls)), sqliteColumns), args...)
	m, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue/sqlite: dequeue: %w", err)
	}
	return m, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, sqliteColumns, s.table), id)
	m, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) setStatus(ctx context.Context, id string, st Status, runAt *time.Time, lastErr *string) error {
	now := nowUTC().UnixNano()
	q := fmt.Sprintf(`UPDATE %s SET status = ?, locked_at = 0, updated_at = ?`, s.table)
	args := []any{string(st), now}
	if runAt != nil {
		q += `, run_at = ?`
		args = append(args, runAt.UTC().UnixNano())
	}
	if lastErr != nil {
		q += `, last_error = ?`
		args = append(args, *lastErr)
	}
	q += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("queue/sqlite: set %s: %w", st, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Ack(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusCompleted, nil, nil)
}

func (s *sqliteStore) Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return s.setStatus(ctx, id, StatusQueued, &runAt, &lastErr)
}

func (s *sqliteStore) Fail(ctx context.Context, id string, lastErr string) error {
	return s.setStatus(ctx, id, StatusFailed, nil, &lastErr)
}

func (s *sqliteStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := nowUTC()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = ?, run_at = ?, locked_at = 0, updated_at = ? WHERE status = ? AND locked_at < ?`, s.table),
		string(StatusQueued), now.UnixNano(), now.UnixNano(), string(StatusProcessing), now.Add(-olderThan).UnixNano())
	return affected(res, err, "requeue stale")
}

func (s *sqliteStore) CancelByType(ctx context.Context, typ string) (int, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE status = ? AND type = ?`, s.table),
		string(StatusCancelled), nowUTC().UnixNano(), string(StatusQueued), typ)
	return affected(res, err, "cancel by type")
}

func (s *sqliteStore) Tidy(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE status IN (?,?,?) AND updated_at <= ?`, s.table),
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), nowUTC().Add(-olderThan).UnixNano())
	return affected(res, err, "tidy")
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table))
	if err != nil {
		return st, fmt.Errorf("queue/sqlite: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.add(Status(status), n)
	}
	return st, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func affected(res sql.Result, err error, op string) (int, error) {
	if err != nil {
		return 0, fmt.Errorf("queue/sqlite: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSQLite(row *sql.Row) (*Message, error) {
	var (
		m                                      Message
		args                                   []byte
		status                                 string
		runAt, enqueuedAt, updatedAt, lockedAt int64
	)
	if err := row.Scan(&m.ID, &m.Type, &args, &m.Tag, &status, &m.Attempts, &m.MaxAttempts,
		&runAt, &enqueuedAt, &updatedAt, &lockedAt, &m.LastError); err != nil {
		return nil, err
	}
	m.Args = args
	m.Status = Status(status)
	m.RunAt = fromNanos(runAt)
	m.EnqueuedAt = fromNanos(enqueuedAt)
	m.UpdatedAt = fromNanos(updatedAt)
	m.LockedAt = fromNanos(lockedAt)
	return &m, nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
