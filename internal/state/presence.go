package state

import (
	"context"
	"time"

	"parley/internal/chat"
)

// DefaultPresenceTTL bounds how long a presence record survives without a refresh.
const DefaultPresenceTTL = 60 * time.Second

// PresenceTracker keeps one presence hash per room keyed by user id.
//
// A record whose LastActiveAt is older than the TTL is treated as absent even if
// the gateway never wrote an explicit inactive update.
type PresenceTracker struct {
	st  *Store
	ttl time.Duration
}

// NewPresenceTracker constructs a tracker. ttl <= 0 selects DefaultPresenceTTL.
func NewPresenceTracker(st *Store, ttl time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceTracker{st: st, ttl: ttl}
}

// TTL returns the refresh window.
func (p *PresenceTracker) TTL() time.Duration { return p.ttl }

// Update writes rec for the room and refreshes the room hash TTL.
// A zero LastActiveAt is stamped with the store clock.
func (p *PresenceTracker) Update(ctx context.Context, roomID string, rec chat.PresenceRecord) (chat.PresenceRecord, error) {
	if err := validRoomID(roomID); err != nil {
		return chat.PresenceRecord{}, err
	}
	if err := validUserID(rec.UserID); err != nil {
		return chat.PresenceRecord{}, err
	}
	if rec.LastActiveAt.IsZero() {
		rec.LastActiveAt = p.st.Now()
	}
	// The hash outlives its freshest record by one TTL so List can still
	// report recently departed users as inactive.
	if err := p.st.putField(ctx, p.st.roomKey(roomID, "presence"), rec.UserID, rec, 2*p.ttl); err != nil {
		return chat.PresenceRecord{}, err
	}
	return rec, nil
}

// Touch marks userID active now.
func (p *PresenceTracker) Touch(ctx context.Context, roomID, userID string) (chat.PresenceRecord, error) {
	return p.Update(ctx, roomID, chat.PresenceRecord{UserID: userID, LastActiveAt: p.st.Now(), IsActive: true})
}

// MarkInactive records an explicit departure.
func (p *PresenceTracker) MarkInactive(ctx context.Context, roomID, userID string) (chat.PresenceRecord, error) {
	return p.Update(ctx, roomID, chat.PresenceRecord{UserID: userID, LastActiveAt: p.st.Now(), IsActive: false})
}

// List returns the room snapshot, excluding records whose TTL has lapsed.
func (p *PresenceTracker) List(ctx context.Context, roomID string) (map[string]chat.PresenceRecord, error) {
	if err := validRoomID(roomID); err != nil {
		return nil, err
	}
	key := p.st.roomKey(roomID, "presence")
	all, bad, err := readHash[chat.PresenceRecord](ctx, p.st, key)
	if err != nil {
		return nil, err
	}

	now := p.st.Now()
	for userID, rec := range all {
		if lapsed(rec.LastActiveAt, now, p.ttl) {
			delete(all, userID)
			bad = append(bad, userID)
		}
	}
	p.st.dropFields(ctx, key, bad)
	return all, nil
}
