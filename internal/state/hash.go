package state

import (
	"context"
	"encoding/json"
	"time"

	"parley/internal/chat"

	"github.com/redis/go-redis/v9"
)

// putField writes one user's record into a room hash and, when ttl > 0,
// refreshes the hash expiry. Both commands share one round trip.
func (s *Store) putField(ctx context.Context, key, field string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, field, b)
		if ttl > 0 {
			p.PExpire(ctx, key, ttl)
		}
		return nil
	})
	return chat.Unavailable("hset "+key, err)
}

// readHash decodes every field of a room hash. Undecodable fields are
// reported in bad so callers can drop them.
func readHash[T any](ctx context.Context, s *Store, key string) (out map[string]T, bad []string, err error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, nil, chat.Unavailable("hgetall "+key, err)
	}
	out = make(map[string]T, len(raw))
	for field, val := range raw {
		var rec T
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			bad = append(bad, field)
			continue
		}
		out[field] = rec
	}
	return out, bad, nil
}

// dropFields removes lapsed or corrupt fields. Failures are logged only:
// list() already hides them, so the cleanup is an optimization.
func (s *Store) dropFields(ctx context.Context, key string, fields []string) {
	if len(fields) == 0 {
		return
	}
	if err := s.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		s.log.Debug("state.hash.prune.fail", "key", key, "fields", len(fields), "err", err)
	}
}

// lapsed reports whether a record stamped at ts is older than ttl at now.
func lapsed(ts, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(ts) > ttl
}
