package state

import (
	"context"
	"time"

	"parley/internal/chat"
)

// DefaultTypingTTL is how long a typing indicator lives without a stop signal.
const DefaultTypingTTL = 6 * time.Second

// TypingTracker keeps one typing hash per room keyed by user id.
type TypingTracker struct {
	st  *Store
	ttl time.Duration
}

// NewTypingTracker constructs a tracker. ttl <= 0 selects DefaultTypingTTL.
func NewTypingTracker(st *Store, ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{st: st, ttl: ttl}
}

// TTL returns the indicator lifetime.
func (t *TypingTracker) TTL() time.Duration { return t.ttl }

// Update records that rec.UserID started (or is still) typing.
func (t *TypingTracker) Update(ctx context.Context, roomID string, rec chat.TypingRecord) (chat.TypingRecord, error) {
	if err := validRoomID(roomID); err != nil {
		return chat.TypingRecord{}, err
	}
	if err := validUserID(rec.UserID); err != nil {
		return chat.TypingRecord{}, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.st.Now()
	}
	if err := t.st.putField(ctx, t.st.roomKey(roomID, "typing"), rec.UserID, rec, t.ttl); err != nil {
		return chat.TypingRecord{}, err
	}
	return rec, nil
}

// Clear removes a user's indicator on an explicit stop.
func (t *TypingTracker) Clear(ctx context.Context, roomID, userID string) error {
	if err := validRoomID(roomID); err != nil {
		return err
	}
	key := t.st.roomKey(roomID, "typing")
	if err := t.st.rdb.HDel(ctx, key, userID).Err(); err != nil {
		return chat.Unavailable("hdel "+key, err)
	}
	return nil
}

// List returns users currently typing; expired indicators are filtered out.
func (t *TypingTracker) List(ctx context.Context, roomID string) (map[string]chat.TypingRecord, error) {
	if err := validRoomID(roomID); err != nil {
		return nil, err
	}
	key := t.st.roomKey(roomID, "typing")
	all, bad, err := readHash[chat.TypingRecord](ctx, t.st, key)
	if err != nil {
		return nil, err
	}

	now := t.st.Now()
	for userID, rec := range all {
		if lapsed(rec.Timestamp, now, t.ttl) {
			delete(all, userID)
			bad = append(bad, userID)
		}
	}
	t.st.dropFields(ctx, key, bad)
	return all, nil
}
