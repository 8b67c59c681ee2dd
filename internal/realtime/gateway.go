// Package realtime is the connection gateway: it authenticates WebSocket
// clients, tracks their room membership and bridges client events to the
// shared state store. Messages fan out through per-room stream tailers so
// every gateway instance delivers them in stream order; presence, typing and
// receipt events are relayed between instances over pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "parley/contracts/realtime/v1"
	"parley/internal/chat"
	"parley/internal/identity"
	"parley/internal/ids"
	"parley/internal/session"
	"parley/internal/state"

	"github.com/coder/websocket"
)

// ErrNotJoined rejects a room-scoped event from a connection outside the room.
var ErrNotJoined = errors.New("not joined")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("gateway closed")

// Deps are the collaborators the gateway bridges to. Bus may be nil for a
// single-instance deployment.
type Deps struct {
	Verifier identity.Verifier
	Presence *state.PresenceTracker
	Typing   *state.TypingTracker
	Receipts *state.ReadReceiptTracker
	Stream   *state.StreamLog
	Sessions *session.Cache
	Bus      *state.EventBus
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfig overrides the defaults.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithInstanceID sets the origin tag used on relayed events.
func WithInstanceID(id string) Option {
	return func(g *Gateway) {
		if id != "" {
			g.instance = id
		}
	}
}

// Stats are the gateway counters.
type Stats struct {
	ActiveConnections int64
	TotalConnections  uint64
	Rooms             int
}

// Gateway owns the connection table and the local rooms.
type Gateway struct {
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
	instance string

	verifier identity.Verifier
	presence *state.PresenceTracker
	typing   *state.TypingTracker
	receipts *state.ReadReceiptTracker
	stream   *state.StreamLog
	sessions *session.Cache
	bus      *state.EventBus

	hub *Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	conns map[string]*Connection

	active atomic.Int64
	total  atomic.Uint64
}

// New constructs a gateway. Call Close to stop its room tailers.
func New(deps Deps, opts ...Option) (*Gateway, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errors.New("realtime: verifier is required")
	case deps.Presence == nil, deps.Typing == nil, deps.Receipts == nil:
		return nil, errors.New("realtime: trackers are required")
	case deps.Stream == nil:
		return nil, errors.New("realtime: stream log is required")
	case deps.Sessions == nil:
		return nil, errors.New("realtime: session cache is required")
	}

	g := &Gateway{
		log:      slog.Default(),
		now:      time.Now,
		verifier: deps.Verifier,
		presence: deps.Presence,
		typing:   deps.Typing,
		receipts: deps.Receipts,
		stream:   deps.Stream,
		sessions: deps.Sessions,
		bus:      deps.Bus,
		conns:    make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cfg = g.cfg.withDefaults()
	if g.instance == "" {
		g.instance = ids.Must(g.now())
	}
	g.log = g.log.With("component", "gateway", "instance", g.instance)
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.hub = NewHub(g.log, g.startTailer)
	return g, nil
}

// InstanceID is the origin tag of this gateway.
func (g *Gateway) InstanceID() string { return g.instance }

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		ActiveConnections: g.active.Load(),
		TotalConnections:  g.total.Load(),
		Rooms:             g.hub.Len(),
	}
}

// Connection returns a registered connection.
func (g *Gateway) Connection(id string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[id]
	return c, ok
}

// Close disconnects every connection and stops the room tailers.
func (g *Gateway) Close() {
	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server shutdown")
	}
	g.cancel()
	g.hub.closeAll()
	g.wg.Wait()
}

// Connect verifies token and registers a new connection.
func (g *Gateway) Connect(ctx context.Context, token string) (*Connection, error) {
	if g.ctx.Err() != nil {
		return nil, ErrClosed
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", chat.ErrAuth)
	}

	who, err := g.verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, chat.ErrAuth) {
			err = fmt.Errorf("%w: %w", chat.ErrAuth, err)
		}
		return nil, err
	}

	now := g.now()
	id, err := ids.New(now)
	if err != nil {
		return nil, fmt.Errorf("realtime: connection id: %w", err)
	}
	c := newConnection(id, who.UserID, g.cfg, now)

	g.mu.Lock()
	g.conns[c.ID] = c
	g.mu.Unlock()
	g.active.Add(1)
	g.total.Add(1)

	g.log.Info("ws.connect", "conn_id", c.ID, "user_id", c.UserID)
	return c, nil
}

// Disconnect leaves every room and unregisters c. It is idempotent and is
// used for clean closes and idle timeouts alike.
func (g *Gateway) Disconnect(ctx context.Context, c *Connection) {
	g.mu.Lock()
	_, ok := g.conns[c.ID]
	delete(g.conns, c.ID)
	g.mu.Unlock()
	if !ok {
		return
	}

	c.Close(websocket.StatusNormalClosure, "bye")
	g.active.Add(-1)
	for _, roomID := range c.Rooms() {
		g.leave(ctx, c, roomID)
	}
	g.log.Info("ws.disconnect", "conn_id", c.ID, "user_id", c.UserID, "reason", c.closeReason)
}

// JoinRoom subscribes c to roomID and hydrates it: presence snapshot, receipt
// snapshot and message history oldest first, then the room:join echo. Live
// messages appended meanwhile are delivered right after, without duplicates.
func (g *Gateway) JoinRoom(ctx context.Context, c *Connection, roomID string) error {
	if ok, retry := c.joins.Allow(g.now()); !ok {
		return &chat.RateLimitError{Action: "room:join", RetryAfter: retry}
	}
	if c.inRoom(roomID) {
		return g.send(c, v1.TypeRoomJoin, v1.RoomPayload{RoomID: roomID})
	}

	// Pin the stream position before subscribing so a new tailer misses
	// nothing. The room may close or open until hub.join takes its lock, so
	// the position is read on every join and used only if join creates it.
	fromID, err := g.stream.LastID(ctx, roomID)
	if err != nil {
		return err
	}

	c.addRoom(roomID)
	r := g.hub.join(roomID, c, fromID)
	if c.closed() {
		g.leave(ctx, c, roomID)
		return nil
	}

	if rec, err := g.presence.Touch(ctx, roomID, c.UserID); err != nil {
		g.log.Warn("presence.update.fail", "room_id", roomID, "user_id", c.UserID, "err", err)
	} else {
		g.emitPresence(roomID, rec)
	}

	lastID, err := g.hydrate(ctx, c, roomID)
	if err != nil {
		g.leave(ctx, c, roomID)
		return err
	}
	if err := g.send(c, v1.TypeRoomJoin, v1.RoomPayload{RoomID: roomID}); err != nil {
		return err
	}
	r.markReady(c.ID, lastID)
	return nil
}

func (g *Gateway) hydrate(ctx context.Context, c *Connection, roomID string) (lastID string, err error) {
	if users, err := g.presence.List(ctx, roomID); err != nil {
		g.log.Warn("presence.list.fail", "room_id", roomID, "err", err)
	} else if err := g.send(c, v1.TypePresenceList, presenceList(roomID, users)); err != nil {
		return "", err
	}

	receipts, err := g.receipts.List(ctx, roomID)
	if err != nil {
		return "", err
	}
	if err := g.send(c, v1.TypeReceiptList, receiptList(roomID, receipts)); err != nil {
		return "", err
	}

	msgs, source, err := g.history(ctx, roomID)
	if err != nil {
		return "", err
	}
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWireMessage(m))
	}
	if err := g.send(c, v1.TypeMessageHistory, v1.MessageHistoryPayload{RoomID: roomID, Messages: out, Source: source}); err != nil {
		return "", err
	}
	if len(msgs) > 0 {
		lastID = msgs[len(msgs)-1].ID
	}
	return lastID, nil
}

// history prefers the session window and tops it up from the stream with
// anything appended after the newest cached message. A cold cache falls back
// to the newest stream entries.
func (g *Gateway) history(ctx context.Context, roomID string) ([]chat.Message, string, error) {
	limit := g.sessions.MaxMessages()

	cached, ok, err := g.sessions.Get(ctx, roomID)
	if err != nil {
		g.log.Warn("session.get.fail", "session_id", roomID, "err", err)
	}
	if ok && len(cached) > 0 {
		newer, err := g.stream.Range(ctx, roomID, cached[len(cached)-1].ID, limit)
		if err != nil {
			g.log.Warn("stream.range.fail", "room_id", roomID, "err", err)
		}
		for _, e := range newer {
			cached = append(cached, e.Message)
		}
		if over := len(cached) - limit; over > 0 {
			cached = cached[over:]
		}
		return cached, v1.SourceSession, nil
	}

	entries, err := g.stream.Latest(ctx, roomID, limit)
	if err != nil {
		return nil, "", err
	}
	msgs := make([]chat.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	return msgs, v1.SourceStream, nil
}

// LeaveRoom unsubscribes c from roomID and echoes room:leave.
func (g *Gateway) LeaveRoom(ctx context.Context, c *Connection, roomID string) error {
	if !c.inRoom(roomID) {
		return ErrNotJoined
	}
	g.leave(ctx, c, roomID)
	return g.send(c, v1.TypeRoomLeave, v1.RoomPayload{RoomID: roomID})
}

// leave marks the user inactive when this was their last local connection
// in the room.
func (g *Gateway) leave(ctx context.Context, c *Connection, roomID string) {
	if !c.removeRoom(roomID) {
		return
	}
	if g.hub.leave(roomID, c.ID, c.UserID) {
		return
	}

	// The connection context may already be cancelled on disconnect.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	rec, err := g.presence.MarkInactive(ctx, roomID, c.UserID)
	if err != nil {
		g.log.Warn("presence.update.fail", "room_id", roomID, "user_id", c.UserID, "err", err)
		return
	}
	if err := g.typing.Clear(ctx, roomID, c.UserID); err != nil {
		g.log.Debug("typing.clear.fail", "room_id", roomID, "user_id", c.UserID, "err", err)
	}
	g.emitPresence(roomID, rec)
}

// SendMessage validates and appends a message to the room stream, then to the
// session window. Fan-out, including back to the sender, happens through the
// room tailer in stream order; metadata.correlation_id lets the sender match
// its optimistic copy.
func (g *Gateway) SendMessage(ctx context.Context, c *Connection, ev v1.MessageSend) (chat.Message, error) {
	if !c.inRoom(ev.RoomID) {
		return chat.Message{}, ErrNotJoined
	}

	if strings.TrimSpace(ev.Content) == "" {
		return chat.Message{}, &chat.ValidationError{Field: "content", Reason: "empty"}
	}
	kind, err := chat.ParseKind(ev.Kind)
	if err != nil {
		return chat.Message{}, err
	}
	size := len(ev.Content)
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return chat.Message{}, &chat.ValidationError{Field: "metadata", Reason: err.Error()}
		}
		size += len(b)
	}
	if size > g.cfg.MaxContentBytes {
		return chat.Message{}, &chat.ValidationError{Field: "content", Reason: fmt.Sprintf("payload exceeds %d bytes", g.cfg.MaxContentBytes)}
	}

	msg, err := g.stream.Append(ctx, ev.RoomID, chat.Message{
		RoomID:    ev.RoomID,
		AuthorID:  c.UserID,
		Kind:      kind,
		Content:   ev.Content,
		Metadata:  ev.Metadata,
		CreatedAt: g.now().UTC(),
	})
	if err != nil {
		return chat.Message{}, err
	}

	if _, err := g.sessions.Append(ctx, ev.RoomID, msg); err != nil {
		g.log.Warn("session.append.fail", "session_id", ev.RoomID, "stream_id", msg.ID, "correlation_id", msg.CorrelationID(), "err", err)
	}

	g.log.Debug("message.append", "room_id", ev.RoomID, "stream_id", msg.ID, "user_id", c.UserID, "kind", kind, "correlation_id", msg.CorrelationID())
	return msg, nil
}

// SetTyping records or clears the caller's typing state and broadcasts it.
// Store failures are logged; typing is best-effort.
func (g *Gateway) SetTyping(ctx context.Context, c *Connection, roomID string, typing bool) error {
	if !c.inRoom(roomID) {
		return ErrNotJoined
	}

	typ := v1.TypeTypingStop
	var err error
	if typing {
		typ = v1.TypeTypingStart
		_, err = g.typing.Update(ctx, roomID, chat.TypingRecord{UserID: c.UserID, Timestamp: g.now()})
	} else {
		err = g.typing.Clear(ctx, roomID, c.UserID)
	}
	if err != nil {
		g.log.Warn("typing.update.fail", "room_id", roomID, "user_id", c.UserID, "err", err)
	}

	frame, err := g.frame(typ, v1.TypingPayload{RoomID: roomID, UserID: c.UserID})
	if err != nil {
		return err
	}
	g.emit(roomID, frame)
	return nil
}

// UpdateReadReceipt applies a last-write-wins receipt. An applied update is
// broadcast; a stale one is answered to the caller with the effective receipt.
func (g *Gateway) UpdateReadReceipt(ctx context.Context, c *Connection, roomID, lastReadID string) (chat.ReceiptRecord, error) {
	if !c.inRoom(roomID) {
		return chat.ReceiptRecord{}, ErrNotJoined
	}

	rec, applied, err := g.receipts.Update(ctx, roomID, chat.ReceiptRecord{
		UserID:            c.UserID,
		LastReadMessageID: lastReadID,
		Timestamp:         g.now(),
	})
	if err != nil {
		return chat.ReceiptRecord{}, err
	}

	payload := v1.ReceiptUpdatePayload{RoomID: roomID, Receipt: toWireReceipt(rec)}
	if !applied {
		return rec, g.send(c, v1.TypeReceiptUpdate, payload)
	}
	frame, err := g.frame(v1.TypeReceiptUpdate, payload)
	if err != nil {
		return rec, err
	}
	g.emit(roomID, frame)
	return rec, nil
}

// Heartbeat marks c alive and refreshes its presence in every joined room.
func (g *Gateway) Heartbeat(ctx context.Context, c *Connection) {
	c.seen(g.now())
	for _, roomID := range c.Rooms() {
		if _, err := g.presence.Touch(ctx, roomID, c.UserID); err != nil {
			g.log.Debug("presence.touch.fail", "room_id", roomID, "user_id", c.UserID, "err", err)
		}
	}
}

// PresenceHeartbeat refreshes presence in roomID, or every joined room when
// roomID is empty, and broadcasts the update.
func (g *Gateway) PresenceHeartbeat(ctx context.Context, c *Connection, roomID string) error {
	c.seen(g.now())

	rooms := c.Rooms()
	if roomID != "" {
		if !c.inRoom(roomID) {
			return ErrNotJoined
		}
		rooms = []string{roomID}
	}
	for _, id := range rooms {
		rec, err := g.presence.Touch(ctx, id, c.UserID)
		if err != nil {
			g.log.Warn("presence.update.fail", "room_id", id, "user_id", c.UserID, "err", err)
			continue
		}
		g.emitPresence(id, rec)
	}
	return nil
}

// ListPresence answers a presence:list request.
func (g *Gateway) ListPresence(ctx context.Context, c *Connection, roomID string) error {
	if !c.inRoom(roomID) {
		return ErrNotJoined
	}
	users, err := g.presence.List(ctx, roomID)
	if err != nil {
		return err
	}
	return g.send(c, v1.TypePresenceList, presenceList(roomID, users))
}

// ListReceipts answers a receipt:list request.
func (g *Gateway) ListReceipts(ctx context.Context, c *Connection, roomID string) error {
	if !c.inRoom(roomID) {
		return ErrNotJoined
	}
	recs, err := g.receipts.List(ctx, roomID)
	if err != nil {
		return err
	}
	return g.send(c, v1.TypeReceiptList, receiptList(roomID, recs))
}

func (g *Gateway) emitPresence(roomID string, rec chat.PresenceRecord) {
	frame, err := g.frame(v1.TypePresenceUpdate, v1.PresenceUpdatePayload{RoomID: roomID, Presence: toWirePresence(rec)})
	if err != nil {
		g.log.Error("presence.encode.fail", "err", err)
		return
	}
	g.emit(roomID, frame)
}

// ---- frames ----

func (g *Gateway) frame(typ string, payload any) ([]byte, error) {
	now := g.now()
	id, err := ids.New(now)
	if err != nil {
		return nil, err
	}
	return v1.Marshal(typ, id, now, payload)
}

// errBackpressure means a direct reply could not be queued.
var errBackpressure = errors.New("send queue full")

func (g *Gateway) send(c *Connection, typ string, payload any) error {
	frame, err := g.frame(typ, payload)
	if err != nil {
		return err
	}
	if !c.enqueue(frame) {
		if !c.closed() {
			c.Close(websocket.StatusPolicyViolation, "slow consumer")
		}
		return fmt.Errorf("%s: %w", typ, errBackpressure)
	}
	return nil
}

func (g *Gateway) sendError(c *Connection, ref, roomID string, err error) {
	code, msg := errorCode(err)
	frame, ferr := g.frame(v1.TypeRoomError, v1.ErrorPayload{Code: code, Message: msg, RoomID: roomID, Ref: ref})
	if ferr != nil {
		return
	}
	_ = c.enqueue(frame)
}

// errorCode maps an error to its room:error code and client-safe message.
func errorCode(err error) (code, msg string) {
	var (
		de *v1.DecodeError
		rl *chat.RateLimitError
	)
	switch {
	case errors.As(err, &de):
		return de.Code, de.Error()
	case errors.As(err, &rl):
		return v1.CodeRateLimited, rl.Error()
	case errors.Is(err, chat.ErrValidation):
		return v1.CodeValidation, err.Error()
	case errors.Is(err, ErrNotJoined):
		return v1.CodeNotJoined, "join the room first"
	case errors.Is(err, chat.ErrStoreUnavailable):
		return v1.CodeStoreUnavailable, "store unavailable, retry later"
	default:
		return v1.CodeInternal, "internal error"
	}
}

func presenceList(roomID string, users map[string]chat.PresenceRecord) v1.PresenceListPayload {
	out := make([]v1.Presence, 0, len(users))
	for _, rec := range users {
		out = append(out, toWirePresence(rec))
	}
	slices.SortFunc(out, func(a, b v1.Presence) int { return strings.Compare(a.UserID, b.UserID) })
	return v1.PresenceListPayload{RoomID: roomID, Users: out}
}

func receiptList(roomID string, recs map[string]chat.ReceiptRecord) v1.ReceiptListPayload {
	out := make([]v1.Receipt, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toWireReceipt(rec))
	}
	slices.SortFunc(out, func(a, b v1.Receipt) int { return strings.Compare(a.UserID, b.UserID) })
	return v1.ReceiptListPayload{RoomID: roomID, Receipts: out}
}

func toWirePresence(rec chat.PresenceRecord) v1.Presence {
	return v1.Presence{UserID: rec.UserID, LastActiveAt: rec.LastActiveAt, IsActive: rec.IsActive}
}

func toWireReceipt(rec chat.ReceiptRecord) v1.Receipt {
	return v1.Receipt{UserID: rec.UserID, LastReadMessageID: rec.LastReadMessageID, Timestamp: rec.Timestamp}
}
