package realtime

import (
	"context"
	"log/slog"
	"sync"

	"parley/internal/state"

	"github.com/coder/websocket"
)

type pendingMessage struct {
	id    string
	frame []byte
}

type member struct {
	conn *Connection

	// Live messages are held back until the member has been hydrated, then
	// delivered only if newer than the last message it has seen.
	ready   bool
	cursor  string
	backlog []pendingMessage
}

// Room is the local fan-out point for one room. Messages reach it from the
// room's stream tailer; ephemeral events from local handlers and the relay.
type Room struct {
	ID string

	log    *slog.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	members map[string]*member
}

// Size returns the number of local members.
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) hasUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.conn.UserID == userID {
			return true
		}
	}
	return false
}

// deliverMessage fans out one stream entry in stream order. A member whose
// queue overflows is disconnected rather than silently skipped, so the
// messages a client does see are never missing a predecessor.
func (r *Room) deliverMessage(id string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.members {
		if !m.ready {
			if len(m.backlog) >= maxBacklog {
				m.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
				continue
			}
			m.backlog = append(m.backlog, pendingMessage{id: id, frame: frame})
			continue
		}
		r.push(m, id, frame)
	}
}

func (r *Room) push(m *member, id string, frame []byte) {
	if m.cursor != "" && state.CompareIDs(id, m.cursor) <= 0 {
		return
	}
	m.cursor = id
	if !m.conn.enqueue(frame) && !m.conn.closed() {
		r.log.Info("ws.slow_consumer", "room_id", r.ID, "conn_id", m.conn.ID)
		m.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

// markReady ends hydration for connID. lastID is the newest message included
// in the history sent to the client.
func (r *Room) markReady(connID, lastID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return
	}
	m.cursor = lastID
	m.ready = true
	for _, p := range m.backlog {
		r.push(m, p.id, p.frame)
	}
	m.backlog = nil
}

// broadcast sends an ephemeral frame to hydrated members. Full queues drop it.
func (r *Room) broadcast(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.members {
		if m.ready {
			_ = m.conn.enqueue(frame)
		}
	}
}

// Hub owns the rooms that have local members.
type Hub struct {
	log *slog.Logger

	// startTailer is called with the hub lock held when a room is created.
	startTailer func(r *Room, fromID string)

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub. startTailer may be nil.
func NewHub(log *slog.Logger, startTailer func(r *Room, fromID string)) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, startTailer: startTailer, rooms: make(map[string]*Room)}
}

// Room returns the local room, if any.
func (h *Hub) Room(roomID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

// Len returns the number of rooms with local members.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// join adds c to the room, creating it when needed. fromID is the stream
// position a new room's tailer starts after and is ignored for an existing
// room; "" lets the tailer look it up.
func (h *Hub) join(roomID string, c *Connection, fromID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = &Room{ID: roomID, log: h.log, members: make(map[string]*member)}
		h.rooms[roomID] = r
		if h.startTailer != nil {
			h.startTailer(r, fromID)
		}
		h.log.Debug("room.open", "room_id", roomID)
	}

	r.mu.Lock()
	if _, dup := r.members[c.ID]; !dup {
		r.members[c.ID] = &member{conn: c}
	}
	r.mu.Unlock()

	h.log.Info("room.member.join", "room_id", roomID, "conn_id", c.ID, "user_id", c.UserID)
	return r
}

// leave removes connID from the room and closes the room when it empties.
// It reports whether the user still has another local connection there.
func (h *Hub) leave(roomID, connID, userID string) (userRemains bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return false
	}

	r.mu.Lock()
	delete(r.members, connID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	h.log.Info("room.member.leave", "room_id", roomID, "conn_id", connID)

	if empty {
		delete(h.rooms, roomID)
		if r.cancel != nil {
			r.cancel()
		}
		h.log.Debug("room.close", "room_id", roomID)
		return false
	}
	return r.hasUser(userID)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.rooms {
		if r.cancel != nil {
			r.cancel()
		}
		delete(h.rooms, id)
	}
}
