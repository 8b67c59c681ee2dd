// Package session implements the rolling-window session cache: the most recent
// messages of a session kept as one TTL-bound record in the shared store.
//
// The cache is an optimization for hydration. Appends are read-modify-write
// without a compare-and-swap, so concurrent appends to one session from two
// instances can lose an entry; the room stream stays authoritative for order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"parley/internal/chat"
	"parley/internal/state"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long an untouched session record survives.
	DefaultTTL = 20 * time.Minute

	// DefaultMaxMessages caps a session record; older messages are evicted first.
	DefaultMaxMessages = 1000

	defaultScanCount = 100
)

// Record is the stored value of one session.
type Record struct {
	SessionID string         `cbor:"session_id"`
	Messages  []chat.Message `cbor:"messages"`
	UpdatedAt time.Time      `cbor:"updated_at"`
}

// Cache stores session records in Redis next to the room state.
//
// Keys:
//
//	<prefix>:session:{<id>}   zstd-compressed CBOR Record, PX = ttl
//	<prefix>:session-index    sorted set id -> expiry unix millis
type Cache struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
	log    *slog.Logger

	ttl         time.Duration
	maxMessages int
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the record lifetime. Non-positive values keep DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxMessages sets the window size. Non-positive values keep DefaultMaxMessages.
func WithMaxMessages(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxMessages = n
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// NewCache builds a cache sharing the store's client, namespace and clock.
func NewCache(st *state.Store, opts ...Option) (*Cache, error) {
	if st == nil {
		return nil, errors.New("session: nil store")
	}
	c := &Cache{
		rdb:         st.Client(),
		prefix:      st.Prefix(),
		now:         st.Now,
		log:         slog.Default(),
		ttl:         DefaultTTL,
		maxMessages: DefaultMaxMessages,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = c.log.With("component", "session")
	return c, nil
}

// TTL returns the configured record lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// MaxMessages returns the window size.
func (c *Cache) MaxMessages() int { return c.maxMessages }

func (c *Cache) key(sessionID string) string {
	return c.prefix + ":session:{" + sessionID + "}"
}

func (c *Cache) indexKey() string {
	return c.prefix + ":session-index"
}

// idFromKey reverses key. ok is false for keys outside the session namespace.
func (c *Cache) idFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, c.prefix+":session:{")
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, "}")
}

func (c *Cache) expiryScore() float64 {
	return float64(c.now().Add(c.ttl).UnixMilli())
}

func validSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &chat.ValidationError{Field: "session_id", Reason: "missing"}
	}
	if strings.ContainsAny(id, "{}") {
		return &chat.ValidationError{Field: "session_id", Reason: "must not contain braces"}
	}
	return nil
}

// Append pushes msg onto the session window, evicting the oldest entries when
// the window is full, and refreshes the TTL. It returns the window length.
func (c *Cache) Append(ctx context.Context, sessionID string, msg chat.Message) (int, error) {
	if err := validSessionID(sessionID); err != nil {
		return 0, err
	}

	rec, _, err := c.load(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	rec.SessionID = sessionID
	rec.Messages = append(rec.Messages, msg)
	if over := len(rec.Messages) - c.maxMessages; over > 0 {
		rec.Messages = append(rec.Messages[:0:0], rec.Messages[over:]...)
	}
	rec.UpdatedAt = c.now()

	if err := c.save(ctx, rec); err != nil {
		return 0, err
	}
	return len(rec.Messages), nil
}

// Get returns the session window oldest first. ok is false when the cache is
// cold and the caller should replay the room stream. A hit refreshes the TTL.
func (c *Cache) Get(ctx context.Context, sessionID string) (msgs []chat.Message, ok bool, err error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, false, err
	}
	rec, ok, err := c.load(ctx, sessionID)
	if err != nil || !ok {
		return nil, false, err
	}
	if _, err := c.Touch(ctx, sessionID); err != nil {
		c.log.Debug("session.touch.fail", "session_id", sessionID, "err", err)
	}
	return rec.Messages, true, nil
}

// Touch refreshes the TTL without reading the record. It reports whether the
// record existed.
func (c *Cache) Touch(ctx context.Context, sessionID string) (bool, error) {
	if err := validSessionID(sessionID); err != nil {
		return false, err
	}
	key := c.key(sessionID)

	var exp *redis.BoolCmd
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		exp = p.PExpire(ctx, key, c.ttl)
		p.ZAddXX(ctx, c.indexKey(), redis.Z{Score: c.expiryScore(), Member: sessionID})
		return nil
	})
	if err != nil {
		return false, chat.Unavailable("touch "+key, err)
	}
	return exp.Val(), nil
}

// Clear evicts one session.
func (c *Cache) Clear(ctx context.Context, sessionID string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	_, err := c.ClearMany(ctx, []string{sessionID})
	return err
}

// ClearMany evicts several sessions and returns how many records existed.
func (c *Cache) ClearMany(ctx context.Context, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}

	members := make([]any, 0, len(sessionIDs))
	dels := make([]*redis.IntCmd, 0, len(sessionIDs))
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range sessionIDs {
			// Per-key DEL keeps the pipeline valid on a cluster.
			dels = append(dels, p.Del(ctx, c.key(id)))
			members = append(members, id)
		}
		p.ZRem(ctx, c.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, chat.Unavailable("clear sessions", err)
	}

	var n int64
	for _, d := range dels {
		n += d.Val()
	}
	return n, nil
}

// Scan walks the session namespace with a cursor and calls fn with each page
// of session ids. Keys created or removed during the walk may or may not be
// seen; no key present for the whole walk is skipped. On a cluster every
// master is walked and fn may be called from one goroutine per master.
func (c *Cache) Scan(ctx context.Context, count int64, fn func(ids []string) error) error {
	if count <= 0 {
		count = defaultScanCount
	}
	if cc, ok := c.rdb.(*redis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return c.scanNode(ctx, node, count, fn)
		})
	}
	return c.scanNode(ctx, c.rdb, count, fn)
}

func (c *Cache) scanNode(ctx context.Context, node redis.Cmdable, count int64, fn func(ids []string) error) error {
	match := c.prefix + ":session:{*}"

	var cursor uint64
	for {
		keys, next, err := node.Scan(ctx, cursor, match, count).Result()
		if err != nil {
			return chat.Unavailable("scan "+match, err)
		}

		ids := make([]string, 0, len(keys))
		for _, k := range keys {
			if id, ok := c.idFromKey(k); ok {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			if err := fn(ids); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// LoadMany reads several records in one pipelined round trip. Sessions that
// expired since they were listed are left out of the result. Records that fail
// to decode are returned in bad.
func (c *Cache) LoadMany(ctx context.Context, sessionIDs []string) (recs map[string]Record, bad map[string]error, err error) {
	recs = make(map[string]Record, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return recs, nil, nil
	}

	gets := make([]*redis.StringCmd, len(sessionIDs))
	_, err = c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range sessionIDs {
			gets[i] = p.Get(ctx, c.key(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, chat.Unavailable("load sessions", err)
	}

	for i, id := range sessionIDs {
		raw, err := gets[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, nil, chat.Unavailable("get "+c.key(id), err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			if bad == nil {
				bad = make(map[string]error)
			}
			bad[id] = err
			continue
		}
		if rec.SessionID == "" {
			rec.SessionID = id
		}
		recs[id] = rec
	}
	return recs, bad, nil
}

// CleanupExpired drops index entries whose record has lapsed. Entries whose
// record is still present are re-scored from its remaining TTL.
func (c *Cache) CleanupExpired(ctx context.Context) (int, error) {
	idx := c.indexKey()
	upper := strconv.FormatInt(c.now().UnixMilli(), 10)

	due, err := c.rdb.ZRangeByScore(ctx, idx, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, chat.Unavailable("zrangebyscore "+idx, err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	ttls := make([]*redis.DurationCmd, len(due))
	_, err = c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range due {
			ttls[i] = p.PTTL(ctx, c.key(id))
		}
		return nil
	})
	if err != nil {
		return 0, chat.Unavailable("pttl sessions", err)
	}

	var gone []any
	var live []redis.Z
	now := c.now()
	for i, id := range due {
		left := ttls[i].Val()
		// PTTL reports -2 for a missing key.
		if left < 0 && left != -1 {
			gone = append(gone, id)
			continue
		}
		score := now.Add(c.ttl)
		if left > 0 {
			score = now.Add(left)
		}
		live = append(live, redis.Z{Score: float64(score.UnixMilli()), Member: id})
	}

	_, err = c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		if len(gone) > 0 {
			p.ZRem(ctx, idx, gone...)
		}
		if len(live) > 0 {
			p.ZAddXX(ctx, idx, live...)
		}
		return nil
	})
	if err != nil {
		return 0, chat.Unavailable("zrem "+idx, err)
	}
	return len(gone), nil
}

// Indexed returns the number of sessions in the expiry index.
func (c *Cache) Indexed(ctx context.Context) (int64, error) {
	n, err := c.rdb.ZCard(ctx, c.indexKey()).Result()
	if err != nil {
		return 0, chat.Unavailable("zcard", err)
	}
	return n, nil
}

func (c *Cache) load(ctx context.Context, sessionID string) (Record, bool, error) {
	key := c.key(sessionID)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{SessionID: sessionID}, false, nil
	}
	if err != nil {
		return Record{}, false, chat.Unavailable("get "+key, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		// A corrupt record is replaced by the next append.
		c.log.Warn("session.decode.fail", "session_id", sessionID, "err", err)
		return Record{SessionID: sessionID}, false, nil
	}
	return rec, true, nil
}

func (c *Cache) save(ctx context.Context, rec Record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := c.key(rec.SessionID)
	_, err = c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, b, c.ttl)
		p.ZAdd(ctx, c.indexKey(), redis.Z{Score: c.expiryScore(), Member: rec.SessionID})
		return nil
	})
	if err != nil {
		return chat.Unavailable(fmt.Sprintf("set %s", key), err)
	}
	return nil
}
