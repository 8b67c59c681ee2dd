package state

import (
	"context"
	"errors"
	"time"

	"parley/internal/chat"
	"parley/internal/ids"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ErrLockHeld is returned by TryLock when another owner holds the lease.
var ErrLockHeld = errors.New("state: lock held by another owner")

// Lease is an owned, expiring lock.
type Lease struct {
	st    *Store
	key   string
	token string
}

// TryLock takes the named lease for ttl without waiting. It returns
// ErrLockHeld when someone else owns it.
func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, errors.New("state: lock ttl must be positive")
	}
	token, err := ids.New(s.Now())
	if err != nil {
		return nil, err
	}

	key := s.lockKey(name)
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, chat.Unavailable("setnx "+key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{st: s, key: key, token: token}, nil
}

// Release drops the lease if it is still owned. Releasing an expired or
// stolen lease is not an error.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.st.rdb, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return chat.Unavailable("release "+l.key, err)
	}
	return nil
}
