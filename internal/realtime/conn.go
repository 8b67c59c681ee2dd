package realtime

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Connection is one authenticated client.
//
// The send queue is never closed by the server so concurrent broadcasters
// cannot panic; done signals shutdown instead. Close is idempotent.
type Connection struct {
	ID     string
	UserID string

	send  chan []byte
	done  chan struct{}
	joins *RateLimiter

	lastSeen atomic.Int64

	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newConnection(id, userID string, cfg Config, now time.Time) *Connection {
	c := &Connection{
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, cfg.SendQueue),
		done:   make(chan struct{}),
		joins:  NewRateLimiter(cfg.JoinRateLimit, cfg.JoinRateWindow),
		rooms:  make(map[string]struct{}),
	}
	c.seen(now)
	return c
}

// Done is closed when the connection is shutting down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close signals shutdown with a websocket close status. Only the first call
// records the status.
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks. It reports false when the queue is full or the
// connection is shutting down.
func (c *Connection) enqueue(frame []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) seen(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

// LastSeen is the time of the last inbound frame.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Rooms returns the joined room ids, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (c *Connection) inRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Connection) addRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}
