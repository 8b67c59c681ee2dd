// Package state is the shared ephemeral state layer: per-room presence, typing
// and read-receipt hashes, the per-room message stream, the cross-instance event
// channel and a lease lock, all held in Redis so every gateway instance sees the
// same view.
//
// Key layout (the room id is a Redis Cluster hash tag so all keys of a room
// live on one slot):
//
//	<prefix>:room:{<room>}:presence     hash user_id -> PresenceRecord JSON
//	<prefix>:room:{<room>}:typing       hash user_id -> TypingRecord JSON
//	<prefix>:room:{<room>}:receipts     hash user_id -> ReceiptRecord JSON
//	<prefix>:room:{<room>}:receipts:ts  hash user_id -> unix millis of the stored receipt
//	<prefix>:room:{<room>}:stream       stream of messages
//	<prefix>:lock:<name>                lease owner token
//	<prefix>:room-events                pub/sub channel
package state

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"parley/internal/chat"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "parley"

// Store is a thin handle over the Redis client shared by the trackers.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key. Empty keeps the default.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		prefix = strings.Trim(strings.TrimSpace(prefix), ":")
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock overrides the time source used for TTL filtering.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for best-effort cleanups.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// NewStore wraps a Redis client. The caller owns the client's lifecycle.
func NewStore(rdb redis.UniversalClient, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("state: nil redis client")
	}
	s := &Store{
		rdb:    rdb,
		prefix: defaultPrefix,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = s.log.With("component", "state")
	return s, nil
}

// Client exposes the underlying Redis client to packages that keep their own
// records in the same keyspace (session cache).
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Prefix returns the key namespace.
func (s *Store) Prefix() string { return s.prefix }

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.now() }

// Ping checks connectivity with a bounded timeout.
func (s *Store) Ping(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return chat.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) roomKey(roomID, suffix string) string {
	return s.prefix + ":room:{" + roomID + "}:" + suffix
}

func (s *Store) lockKey(name string) string {
	return s.prefix + ":lock:" + name
}

func (s *Store) eventsChannel() string {
	return s.prefix + ":room-events"
}

func validRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return &chat.ValidationError{Field: "room_id", Reason: "missing"}
	}
	if strings.ContainsAny(roomID, "{}") {
		return &chat.ValidationError{Field: "room_id", Reason: "must not contain braces"}
	}
	return nil
}

func validUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return &chat.ValidationError{Field: "user_id", Reason: "missing"}
	}
	return nil
}

func unixMillis(t time.Time) int64 { return t.UnixMilli() }
