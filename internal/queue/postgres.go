package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cadence/pkg/logx"
)

// postgresStore claims with SELECT ... FOR UPDATE SKIP LOCKED, so any number
// of worker processes can share one table.
type postgresStore struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	table string
}

const pgColumns = `id, type, args, tag, status, attempts, max_attempts, run_at, enqueued_at, updated_at, locked_at, last_error`

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	table, err := tableName(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("queue/postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("queue/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue/postgres: ping: %w", err)
	}
	s := &postgresStore{pool: pool, log: log, table: table}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("postgres queue opened", logx.String("table", table))
	return s, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			args         BYTEA NOT NULL,
			tag          TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			run_at       TIMESTAMPTZ NOT NULL,
			enqueued_at  TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			locked_at    TIMESTAMPTZ,
			last_error   TEXT NOT NULL DEFAULT ''
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_ready ON %[1]s (tag, run_at, enqueued_at) WHERE status = 'queued'`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status ON %[1]s (status)`, s.table),
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("queue/postgres: migrate: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) Enqueue(ctx context.Context, m *Message) error {
	if err := prepare(m, nowUTC()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL,$11)`, s.table, pgColumns),
		m.ID, m.Type, []byte(m.Args), m.Tag, string(m.Status), m.Attempts, m.MaxAttempts,
		m.RunAt, m.EnqueuedAt, m.UpdatedAt, m.LastError,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("queue message %q already exists", m.ID)
		}
		return fmt.Errorf("queue/postgres: enqueue: %w", err)
	}
	return nil
}

func (s *postgresStore) Dequeue(ctx context.Context, tags []string) (*Message, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %[1]s
		SET status = 'processing', attempts = attempts + 1, locked_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE status = 'queued' AND tag = ANY($1) AND run_at <= NOW()
			ORDER BY run_at, enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %[2]s`, s.table, pgColumns), lanes(tags))
	m, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue/postgres: dequeue: %w", err)
	}
	return m, nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, pgColumns, s.table), id)
	m, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *postgresStore) exec(ctx context.Context, op, q string, args ...any) (int, error) {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("queue/postgres: %s: %w", op, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) one(ctx context.Context, op, q string, args ...any) error {
	n, err := s.exec(ctx, op, q, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) Ack(ctx context.Context, id string) error {
	return s.one(ctx, "ack", fmt.Sprintf(`UPDATE %s SET status = 'completed', locked_at = NULL, updated_at = NOW() WHERE id = $1`, s.table), id)
}

func (s *postgresStore) Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return s.one(ctx, "retry", fmt.Sprintf(`UPDATE %s SET status = 'queued', run_at = $2, last_error = $3, locked_at = NULL, updated_at = NOW() WHERE id = $1`, s.table), id, runAt.UTC(), lastErr)
}

func (s *postgresStore) Fail(ctx context.Context, id string, lastErr string) error {
	return s.one(ctx, "fail", fmt.Sprintf(`UPDATE %s SET status = 'failed', last_error = $2, locked_at = NULL, updated_at = NOW() WHERE id = $1`, s.table), id, lastErr)
}

func (s *postgresStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.exec(ctx, "requeue stale", fmt.Sprintf(`UPDATE %s SET status = 'queued', run_at = NOW(), locked_at = NULL, updated_at = NOW() WHERE status = 'processing' AND locked_at < $1`, s.table), nowUTC().Add(-olderThan))
}

func (s *postgresStore) CancelByType(ctx context.Context, typ string) (int, error) {
	return s.exec(ctx, "cancel by type", fmt.Sprintf(`UPDATE %s SET status = 'cancelled', updated_at = NOW() WHERE status = 'queued' AND type = $1`, s.table), typ)
}

func (s *postgresStore) Tidy(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.exec(ctx, "tidy", fmt.Sprintf(`DELETE FROM %s WHERE status IN ('completed','failed','cancelled') AND updated_at <= $1`, s.table), nowUTC().Add(-olderThan))
}

func (s *postgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table))
	if err != nil {
		return st, fmt.Errorf("queue/postgres: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.add(Status(status), int(n))
	}
	return st, rows.Err()
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(row pgx.Row) (*Message, error) {
	var (
		m        Message
		args     []byte
		status   string
		lockedAt *time.Time
	)
	if err := row.Scan(&m.ID, &m.Type, &args, &m.Tag, &status, &m.Attempts, &m.MaxAttempts,
		&m.RunAt, &m.EnqueuedAt, &m.UpdatedAt, &lockedAt, &m.LastError); err != nil {
		return nil, err
	}
	m.Args = args
	m.Status = Status(status)
	m.RunAt, m.EnqueuedAt, m.UpdatedAt = m.RunAt.UTC(), m.EnqueuedAt.UTC(), m.UpdatedAt.UTC()
	if lockedAt != nil {
		m.LockedAt = lockedAt.UTC()
	}
	return &m, nil
}
