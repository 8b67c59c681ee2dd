// Package archive is the durable storage side of reconciliation: it receives
// flushed session messages and stores each one exactly once, keyed by its room
// and stream id.
package archive

import (
	"context"
	"errors"
	"strings"
	"time"

	"parley/internal/chat"
)

// DurableMessage is the persisted shape of a reconciled message.
type DurableMessage struct {
	RoomID    string
	StreamID  string
	SessionID string
	AuthorID  string
	Kind      chat.Kind
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// FromMessage maps a cached message to its durable record.
func FromMessage(sessionID string, m chat.Message) DurableMessage {
	roomID := m.RoomID
	if roomID == "" {
		roomID = sessionID
	}
	return DurableMessage{
		RoomID:    roomID,
		StreamID:  m.ID,
		SessionID: sessionID,
		AuthorID:  m.AuthorID,
		Kind:      m.Kind,
		Content:   m.Content,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
}

// Key is the idempotency key of the record.
func (d DurableMessage) Key() string { return d.RoomID + "/" + d.StreamID }

// ErrInvalidRecord marks a record that cannot be stored as given.
var ErrInvalidRecord = errors.New("archive: invalid record")

// Validate checks the fields the durable key and schema require.
func (d DurableMessage) Validate() error {
	switch {
	case strings.TrimSpace(d.RoomID) == "":
		return errors.Join(ErrInvalidRecord, errors.New("missing room_id"))
	case strings.TrimSpace(d.StreamID) == "":
		return errors.Join(ErrInvalidRecord, errors.New("missing stream_id"))
	case strings.TrimSpace(d.AuthorID) == "":
		return errors.Join(ErrInvalidRecord, errors.New("missing author_id"))
	case d.CreatedAt.IsZero():
		return errors.Join(ErrInvalidRecord, errors.New("missing created_at"))
	}
	return nil
}

// Archive stores reconciled messages.
//
// Requirements:
//   - Idempotency per (room_id, stream_id): rewriting a stored record is a no-op
//   - Per-record outcome: one failing record does not fail its neighbours
type Archive interface {
	// BulkWrite returns one error slot per record (nil means stored or already
	// present). The second result is set only when nothing could be attempted.
	BulkWrite(ctx context.Context, recs []DurableMessage) ([]error, error)
	Ping(ctx context.Context) error
	Close() error
}
