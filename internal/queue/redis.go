package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"cadence/pkg/logx"
)

// Redis layout, all under "<prefix>:":
//
//	msg:{id}         hash with the message fields
//	msg_ids          set of every stored id
//	ready:{tag}      sorted set of queued ids scored by run_at (unix ms)
//	processing       sorted set of claimed ids scored by locked_at (unix ms)
//
// Moves between ready:{tag} and processing run as Lua scripts, so an id is
// always in exactly one of the two sets and only one caller wins a claim.
type redisStore struct {
	client goredis.UniversalClient
	log    logx.Logger
	prefix string
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue/redis: ping %s: %w", addr, err)
	}
	log.Debug("redis queue opened", logx.String("addr", addr), logx.Int("db", cfg.DB))
	return &redisStore{client: client, log: log, prefix: cfg.Prefix + ":"}, nil
}

// claimScript pops the earliest due id from KEYS[1] (ready) into KEYS[2]
// (processing) and marks its hash. It returns nil when nothing is due.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', key, 'status', ARGV[5], 'locked_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('HINCRBY', key, 'attempts', 1)
return id
`)

// reclaimScript moves ARGV[1] from KEYS[1] (processing) back to its ready
// set. It returns 1 when requeued, 0 when another caller got there first
// and -1 when the message hash is gone.
var reclaimScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if redis.call('EXISTS', ARGV[2]) == 0 then
  return -1
end
local tag = redis.call('HGET', ARGV[2], 'tag') or ''
redis.call('HSET', ARGV[2], 'status', ARGV[7], 'run_at', ARGV[5], 'locked_at', '', 'updated_at', ARGV[6])
redis.call('ZADD', ARGV[3] .. tag, ARGV[4], ARGV[1])
return 1
`)

func (s *redisStore) msgKey(id string) string    { return s.prefix + "msg:" + id }
func (s *redisStore) readyKey(tag string) string { return s.prefix + "ready:" + tag }
func (s *redisStore) idsKey() string             { return s.prefix + "msg_ids" }
func (s *redisStore) processingKey() string      { return s.prefix + "processing" }

func (s *redisStore) Enqueue(ctx context.Context, m *Message) error {
	if err := prepare(m, nowUTC()); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.msgKey(m.ID), messageToMap(m))
	pipe.SAdd(ctx, s.idsKey(), m.ID)
	pipe.ZAdd(ctx, s.readyKey(m.Tag), goredis.Z{Score: score(m.RunAt), Member: m.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue/redis: enqueue: %w", err)
	}
	return nil
}

func (s *redisStore) Dequeue(ctx context.Context, tags []string) (*Message, error) {
	now := nowUTC()
	for _, tag := range lanes(tags) {
		id, err := claimScript.Run(ctx, s.client,
			[]string{s.readyKey(tag), s.processingKey()},
			formatScore(now), formatScore(now), formatTime(now), s.prefix+"msg:", string(StatusProcessing),
		).Text()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue/redis: dequeue claim: %w", err)
		}
		return s.Get(ctx, id)
	}
	return nil, ErrEmpty
}

func (s *redisStore) Get(ctx context.Context, id string) (*Message, error) {
	vals, err := s.client.HGetAll(ctx, s.msgKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue/redis: get: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return messageFromMap(vals)
}

func (s *redisStore) finish(ctx context.Context, id string, st Status, lastErr *string) error {
	exists, err := s.client.Exists(ctx, s.msgKey(id)).Result()
	if err != nil {
		return fmt.Errorf("queue/redis: exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	fields := []any{"status", string(st), "locked_at", "", "updated_at", formatTime(nowUTC())}
	if lastErr != nil {
		fields = append(fields, "last_error", *lastErr)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.msgKey(id), fields...)
	pipe.ZRem(ctx, s.processingKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Ack(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusCompleted, nil)
}

func (s *redisStore) Fail(ctx context.Context, id string, lastErr string) error {
	return s.finish(ctx, id, StatusFailed, &lastErr)
}

func (s *redisStore) Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return s.requeue(ctx, id, runAt.UTC(), &lastErr)
}

func (s *redisStore) requeue(ctx context.Context, id string, runAt time.Time, lastErr *string) error {
	tag, err := s.client.HGet(ctx, s.msgKey(id), "tag").Result()
	if errors.Is(err, goredis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("queue/redis: requeue: %w", err)
	}
	fields := []any{"status", string(StatusQueued), "run_at", formatTime(runAt), "locked_at", "", "updated_at", formatTime(nowUTC())}
	if lastErr != nil {
		fields = append(fields, "last_error", *lastErr)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.msgKey(id), fields...)
	pipe.ZRem(ctx, s.processingKey(), id)
	pipe.ZAdd(ctx, s.readyKey(tag), goredis.Z{Score: score(runAt), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := nowUTC()
	cutoff := now.Add(-olderThan)
	ids, err := s.client.ZRangeByScore(ctx, s.processingKey(), &goredis.ZRangeBy{
		Min: "-inf", Max: "(" + formatScore(cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue/redis: requeue stale: %w", err)
	}
	n := 0
	for _, id := range ids {
		moved, err := reclaimScript.Run(ctx, s.client,
			[]string{s.processingKey()},
			id, s.msgKey(id), s.prefix+"ready:", formatScore(now), formatTime(now), formatTime(now), string(StatusQueued),
		).Int64()
		if err != nil {
			return n, fmt.Errorf("queue/redis: requeue stale: %w", err)
		}
		if moved == 1 {
			n++
		}
	}
	return n, nil
}

func (s *redisStore) scan(ctx context.Context, fn func(m *Message) error) error {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return fmt.Errorf("queue/redis: list: %w", err)
	}
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = s.client.SRem(ctx, s.idsKey(), id).Err()
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisStore) CancelByType(ctx context.Context, typ string) (int, error) {
	n := 0
	err := s.scan(ctx, func(m *Message) error {
		if m.Status != StatusQueued || m.Type != typ {
			return nil
		}
		won, err := s.client.ZRem(ctx, s.readyKey(m.Tag), m.ID).Result()
		if err != nil || won == 0 {
			return err
		}
		n++
		return s.client.HSet(ctx, s.msgKey(m.ID), "status", string(StatusCancelled), "updated_at", formatTime(nowUTC())).Err()
	})
	return n, err
}

func (s *redisStore) Tidy(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := nowUTC().Add(-olderThan)
	n := 0
	err := s.scan(ctx, func(m *Message) error {
		if !m.Status.Terminal() || m.UpdatedAt.After(cutoff) {
			return nil
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.msgKey(m.ID))
		pipe.SRem(ctx, s.idsKey(), m.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func (s *redisStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.scan(ctx, func(m *Message) error {
		st.add(m.Status, 1)
		return nil
	})
	return st, err
}

func (s *redisStore) Close() error { return s.client.Close() }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func formatScore(t time.Time) string { return strconv.FormatFloat(score(t), 'f', -1, 64) }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func messageToMap(m *Message) map[string]any {
	return map[string]any{
		"id":           m.ID,
		"type":         m.Type,
		"args":         string(m.Args),
		"tag":          m.Tag,
		"status":       string(m.Status),
		"attempts":     m.Attempts,
		"max_attempts": m.MaxAttempts,
		"run_at":       formatTime(m.RunAt),
		"enqueued_at":  formatTime(m.EnqueuedAt),
		"updated_at":   formatTime(m.UpdatedAt),
		"locked_at":    formatTime(m.LockedAt),
		"last_error":   m.LastError,
	}
}

func messageFromMap(v map[string]string) (*Message, error) {
	m := &Message{
		ID:        v["id"],
		Type:      v["type"],
		Args:      []byte(v["args"]),
		Tag:       v["tag"],
		Status:    Status(v["status"]),
		LastError: v["last_error"],
	}
	var err error
	if m.Attempts, err = strconv.Atoi(v["attempts"]); err != nil {
		return nil, fmt.Errorf("queue/redis: attempts: %w", err)
	}
	if m.MaxAttempts, err = strconv.Atoi(v["max_attempts"]); err != nil {
		return nil, fmt.Errorf("queue/redis: max_attempts: %w", err)
	}
	for _, f := range []struct {
		key string
		dst *time.Time
	}{
		{"run_at", &m.RunAt}, {"enqueued_at", &m.EnqueuedAt}, {"updated_at", &m.UpdatedAt}, {"locked_at", &m.LockedAt},
	} {
		if *f.dst, err = parseTime(v[f.key]); err != nil {
			return nil, fmt.Errorf("queue/redis: %s: %w", f.key, err)
		}
	}
	return m, nil
}
