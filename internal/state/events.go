package state

import (
	"context"
	"encoding/json"
	"errors"

	"parley/internal/chat"
)

// RoomEvent is an ephemeral room notification relayed between gateway
// instances (typing, presence and receipt updates). Messages do not travel
// here; they are read from the room stream.
type RoomEvent struct {
	Origin  string          `json:"origin"`
	RoomID  string          `json:"room_id"`
	Payload json.RawMessage `json:"payload"`
}

// EventBus is a single pub/sub channel shared by all rooms.
type EventBus struct {
	st *Store
}

// NewEventBus constructs a bus on the store's namespace.
func NewEventBus(st *Store) *EventBus {
	return &EventBus{st: st}
}

// Publish sends ev to every subscribed instance, including the sender.
func (b *EventBus) Publish(ctx context.Context, ev RoomEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.st.rdb.Publish(ctx, b.st.eventsChannel(), raw).Err(); err != nil {
		return chat.Unavailable("publish", err)
	}
	return nil
}

// Listen subscribes and calls fn for each event until ctx is done.
// Malformed payloads are skipped.
func (b *EventBus) Listen(ctx context.Context, fn func(RoomEvent)) error {
	ps := b.st.rdb.Subscribe(ctx, b.st.eventsChannel())
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return chat.Unavailable("subscribe", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return chat.Unavailable("subscribe", errors.New("channel closed"))
			}
			var ev RoomEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				b.st.log.Debug("state.events.decode.fail", "err", err)
				continue
			}
			fn(ev)
		}
	}
}
