package archive

import (
	"context"
	"slices"
	"sync"

	"parley/internal/state"
)

// MemoryArchive is a process-local Archive used when no database is configured
// and in tests.
type MemoryArchive struct {
	mu   sync.Mutex
	rows map[string]DurableMessage
}

// NewMemoryArchive constructs an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{rows: make(map[string]DurableMessage)}
}

// Close is a noop.
func (a *MemoryArchive) Close() error { return nil }

// Ping always succeeds.
func (a *MemoryArchive) Ping(context.Context) error { return nil }

// BulkWrite stores each valid record once; duplicates keep the first copy.
func (a *MemoryArchive) BulkWrite(ctx context.Context, recs []DurableMessage) ([]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	errs := make([]error, len(recs))
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			errs[i] = err
			continue
		}
		if _, ok := a.rows[r.Key()]; ok {
			continue
		}
		a.rows[r.Key()] = r
	}
	return errs, nil
}

// Len returns the number of stored records.
func (a *MemoryArchive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}

// Room returns a room's records ordered by stream id.
func (a *MemoryArchive) Room(roomID string) []DurableMessage {
	a.mu.Lock()
	out := make([]DurableMessage, 0, len(a.rows))
	for _, r := range a.rows {
		if r.RoomID == roomID {
			out = append(out, r)
		}
	}
	a.mu.Unlock()

	slices.SortFunc(out, func(x, y DurableMessage) int { return state.CompareIDs(x.StreamID, y.StreamID) })
	return out
}
