package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "parley/contracts/realtime/v1"
	"parley/internal/chat"
	"parley/internal/identity"
	"parley/internal/session"
	"parley/internal/state"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
)

const testOrigin = "http://localhost"

func testVerifier() identity.Verifier {
	return identity.VerifierFunc(func(_ context.Context, token string) (identity.Identity, error) {
		user, ok := strings.CutPrefix(token, "tok-")
		if !ok || user == "" {
			return identity.Identity{}, identity.ErrInvalidToken
		}
		return identity.Identity{UserID: user}, nil
	})
}

func newTestGateway(t *testing.T, mr *miniredis.Miniredis, cfg Config, opts ...Option) *Gateway {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := state.NewStore(rdb, state.WithLogger(log))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cache, err := session.NewCache(st, session.WithLogger(log))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	if cfg.TailBlock == 0 {
		cfg.TailBlock = 50 * time.Millisecond
	}
	opts = append([]Option{WithConfig(cfg), WithLogger(log)}, opts...)
	gw, err := New(Deps{
		Verifier: testVerifier(),
		Presence: state.NewPresenceTracker(st, 0),
		Typing:   state.NewTypingTracker(st, 0),
		Receipts: state.NewReadReceiptTracker(st),
		Stream:   state.NewStreamLog(st, 0, 0),
		Sessions: cache,
		Bus:      state.NewEventBus(st),
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(gw.Close)
	return gw
}

func startWSTestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseURL, origin, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseURL, user string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseURL, testOrigin, "tok-"+user)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	env := map[string]any{"v": v1.Version, "type": typ, "id": id}
	if payload != nil {
		env["payload"] = payload
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		env := readEnvelope(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func join(t *testing.T, conn *websocket.Conn, roomID string) v1.MessageHistoryPayload {
	t.Helper()
	writeEvent(t, conn, v1.TypeRoomJoin, "join-"+roomID, v1.RoomJoin{RoomID: roomID})
	hist := decodePayload[v1.MessageHistoryPayload](t, readUntilType(t, conn, v1.TypeMessageHistory, 4))
	_ = readUntilType(t, conn, v1.TypeRoomJoin, 2)
	return hist
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGateway_AuthRejectedBeforeUpgrade(t *testing.T) {
	mr := miniredis.RunT(t)
	ts := startWSTestServer(t, newTestGateway(t, mr, Config{}))

	for _, token := range []string{"", "not-a-valid-token"} {
		_, resp, err := dialWS(t, ts.URL, testOrigin, token)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("token %q: expected handshake failure", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got resp=%v err=%v", token, resp, err)
		}
	}
}

func TestGateway_OriginPolicy(t *testing.T) {
	mr := miniredis.RunT(t)
	ts := startWSTestServer(t, newTestGateway(t, mr, Config{OriginRequired: true}))

	for _, origin := range []string{"", "https://evil.example"} {
		_, resp, err := dialWS(t, ts.URL, origin, "tok-u1")
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got resp=%v err=%v", origin, resp, err)
		}
	}

	conn := mustDial(t, ts.URL, "u1")
	writeEvent(t, conn, v1.TypeHeartbeat, "hb-1", nil)
	_ = readUntilType(t, conn, v1.TypeHeartbeat, 1)
}

func TestGateway_JoinHydratesFromSessionThenStream(t *testing.T) {
	mr := miniredis.RunT(t)
	gw := newTestGateway(t, mr, Config{})
	ts := startWSTestServer(t, gw)

	alice := mustDial(t, ts.URL, "alice")
	hist := join(t, alice, "r1")
	if len(hist.Messages) != 0 || hist.Source != v1.SourceStream {
		t.Fatalf("fresh room history=%+v", hist)
	}

	for i := 1; i <= 3; i++ {
		writeEvent(t, alice, v1.TypeMessageSend, fmt.Sprintf("s%d", i), v1.MessageSend{RoomID: "r1", Content: fmt.Sprintf("m%d", i)})
		_ = readUntilType(t, alice, v1.TypeMessageNew, 4)
	}
	writeEvent(t, alice, v1.TypeReceiptUpdate, "rc", v1.ReceiptUpdate{RoomID: "r1", LastReadMessageID: "1-0"})
	_ = readUntilType(t, alice, v1.TypeReceiptUpdate, 4)

	bob := mustDial(t, ts.URL, "bob")
	writeEvent(t, bob, v1.TypeRoomJoin, "j", v1.RoomJoin{RoomID: "r1"})

	pres := decodePayload[v1.PresenceListPayload](t, readUntilType(t, bob, v1.TypePresenceList, 1))
	if len(pres.Users) != 2 || pres.Users[0].UserID != "alice" || !pres.Users[0].IsActive {
		t.Fatalf("presence=%+v", pres)
	}
	rcpts := decodePayload[v1.ReceiptListPayload](t, readUntilType(t, bob, v1.TypeReceiptList, 1))
	if len(rcpts.Receipts) != 1 || rcpts.Receipts[0].LastReadMessageID != "1-0" {
		t.Fatalf("receipts=%+v", rcpts)
	}
	hist = decodePayload[v1.MessageHistoryPayload](t, readUntilType(t, bob, v1.TypeMessageHistory, 1))
	if hist.Source != v1.SourceSession || len(hist.Messages) != 3 {
		t.Fatalf("history=%+v", hist)
	}
	for i, m := range hist.Messages {
		if m.Content != fmt.Sprintf("m%d", i+1) || m.AuthorID != "alice" || m.Kind != "user" {
			t.Fatalf("history[%d]=%+v", i, m)
		}
	}
	_ = readUntilType(t, bob, v1.TypeRoomJoin, 1)

	// Cold cache: a later joiner replays the stream.
	mr.Del("parley:session:{r1}")
	carol := mustDial(t, ts.URL, "carol")
	hist = join(t, carol, "r1")
	if hist.Source != v1.SourceStream || len(hist.Messages) != 3 || hist.Messages[2].Content != "m3" {
		t.Fatalf("cold history=%+v", hist)
	}
}

func TestGateway_MessagesArriveInStreamOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	gw := newTestGateway(t, mr, Config{})
	ts := startWSTestServer(t, gw)

	observer := mustDial(t, ts.URL, "obs")
	join(t, observer, "room")

	const perSender = 15
	senders := []*websocket.Conn{mustDial(t, ts.URL, "s1"), mustDial(t, ts.URL, "s2")}
	for _, s := range senders {
		join(t, s, "room")
	}

	var wg sync.WaitGroup
	for i, s := range senders {
		wg.Add(1)
		go func(i int, s *websocket.Conn) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				b, _ := json.Marshal(map[string]any{
					"v": v1.Version, "type": v1.TypeMessageSend,
					"payload": v1.MessageSend{RoomID: "room", Content: fmt.Sprintf("%d-%d", i, n), Metadata: map[string]any{"correlation_id": fmt.Sprintf("c%d-%d", i, n)}},
				})
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = s.Write(ctx, websocket.MessageText, b)
				cancel()
			}
		}(i, s)
	}
	wg.Wait()

	var last string
	got := 0
	for got < 2*perSender {
		env := readEnvelope(t, observer)
		if env.Type != v1.TypeMessageNew {
			continue
		}
		p := decodePayload[v1.MessageNewPayload](t, env)
		if last != "" && state.CompareIDs(p.Message.ID, last) <= 0 {
			t.Fatalf("out of order: %s after %s", p.Message.ID, last)
		}
		if p.Message.Metadata["correlation_id"] == nil {
			t.Fatalf("correlation id not echoed: %+v", p.Message)
		}
		last = p.Message.ID
		got++
	}
}

func TestGateway_ErrorsKeepConnectionOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	gw := newTestGateway(t, mr, Config{JoinRateLimit: 2, JoinRateWindow: time.Minute, MaxContentBytes: 32})
	ts := startWSTestServer(t, gw)
	conn := mustDial(t, ts.URL, "u1")

	expectError := func(code string) v1.ErrorPayload {
		t.Helper()
		p := decodePayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeRoomError, 8))
		if p.Code != code {
			t.Fatalf("code=%s want %s (%s)", p.Code, code, p.Message)
		}
		return p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectError(v1.CodeBadJSON)

	writeEvent(t, conn, "message:edit", "x1", map[string]any{})
	if p := expectError(v1.CodeBadEvent); p.Ref != "x1" {
		t.Fatalf("ref=%q", p.Ref)
	}

	writeEvent(t, conn, v1.TypeMessageSend, "x2", v1.MessageSend{RoomID: "a", Content: "hi"})
	if p := expectError(v1.CodeNotJoined); p.RoomID != "a" || p.Ref != "x2" {
		t.Fatalf("error=%+v", p)
	}

	join(t, conn, "a")
	join(t, conn, "b")
	writeEvent(t, conn, v1.TypeRoomJoin, "x3", v1.RoomJoin{RoomID: "c"})
	expectError(v1.CodeRateLimited)

	writeEvent(t, conn, v1.TypeMessageSend, "x4", v1.MessageSend{RoomID: "a", Content: "   "})
	expectError(v1.CodeValidation)
	writeEvent(t, conn, v1.TypeMessageSend, "x5", v1.MessageSend{RoomID: "a", Content: strings.Repeat("x", 33)})
	expectError(v1.CodeValidation)

	writeEvent(t, conn, v1.TypeHeartbeat, "hb", nil)
	_ = readUntilType(t, conn, v1.TypeHeartbeat, 4)
	if got := gw.Stats().ActiveConnections; got != 1 {
		t.Fatalf("active=%d", got)
	}
}

func TestGateway_TypingAndReceiptsBroadcast(t *testing.T) {
	mr := miniredis.RunT(t)
	gw := newTestGateway(t, mr, Config{})
	ts := startWSTestServer(t, gw)

	a := mustDial(t, ts.URL, "a")
	b := mustDial(t, ts.URL, "b")
	join(t, a, "r")
	join(t, b, "r")

	writeEvent(t, a, v1.TypeTypingStart, "t1", v1.TypingStart{RoomID: "r"})
	if p := decodePayload[v1.TypingPayload](t, readUntilType(t, b, v1.TypeTypingStart, 6)); p.UserID != "a" {
		t.Fatalf("typing=%+v", p)
	}
	writeEvent(t, a, v1.TypeTypingStop, "t2", v1.TypingStop{RoomID: "r"})
	_ = readUntilType(t, b, v1.TypeTypingStop, 6)

	writeEvent(t, a, v1.TypeReceiptUpdate, "r1", v1.ReceiptUpdate{RoomID: "r", LastReadMessageID: "5-0"})
	p := decodePayload[v1.ReceiptUpdatePayload](t, readUntilType(t, b, v1.TypeReceiptUpdate, 6))
	if p.Receipt.UserID != "a" || p.Receipt.LastReadMessageID != "5-0" {
		t.Fatalf("receipt=%+v", p)
	}

	writeEvent(t, b, v1.TypeRoomLeave, "l", v1.RoomLeave{RoomID: "r"})
	_ = readUntilType(t, b, v1.TypeRoomLeave, 4)
	for i := 0; ; i++ {
		if i == 10 {
			t.Fatalf("b was never marked inactive")
		}
		pu := decodePayload[v1.PresenceUpdatePayload](t, readUntilType(t, a, v1.TypePresenceUpdate, 10))
		if pu.Presence.UserID == "b" && !pu.Presence.IsActive {
			break
		}
	}
}

func TestGateway_IdleConnectionIsClosedAndMarkedInactive(t *testing.T) {
	mr := miniredis.RunT(t)
	gw := newTestGateway(t, mr, Config{IdleTimeout: 60 * time.Millisecond})
	ts := startWSTestServer(t, gw)

	idle := mustDial(t, ts.URL, "idle")
	join(t, idle, "r")
	idleCtx := idle.CloseRead(context.Background())

	watcher := mustDial(t, ts.URL, "watcher")
	writeEvent(t, watcher, v1.TypeRoomJoin, "j", v1.RoomJoin{RoomID: "r"})

	// Keep the watcher alive while waiting for the idle user to drop.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		writeEvent(t, watcher, v1.TypeHeartbeat, "hb", nil)
		env := readEnvelope(t, watcher)
		if env.Type != v1.TypePresenceUpdate {
			continue
		}
		p := decodePayload[v1.PresenceUpdatePayload](t, env)
		if p.Presence.UserID == "idle" && !p.Presence.IsActive {
			select {
			case <-idleCtx.Done():
			case <-time.After(5 * time.Second):
				t.Fatalf("idle connection was not closed")
			}
			if got := gw.Stats().ActiveConnections; got != 1 {
				t.Fatalf("active=%d", got)
			}
			if r, ok := gw.hub.Room("r"); !ok || r.Size() != 1 {
				t.Fatalf("room membership not updated")
			}
			return
		}
	}
	t.Fatalf("idle user was never marked inactive")
}

func TestGateway_RelaysAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	gwA := newTestGateway(t, mr, Config{}, WithInstanceID("A"))
	gwB := newTestGateway(t, mr, Config{}, WithInstanceID("B"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for _, gw := range []*Gateway{gwA, gwB} {
		wg.Add(1)
		go func(gw *Gateway) {
			defer wg.Done()
			_ = gw.RunRelay(ctx)
		}(gw)
	}
	t.Cleanup(func() { cancel(); wg.Wait() })
	waitFor(t, "relay subscriptions", func() bool {
		return mr.PubSubNumSub("parley:room-events")["parley:room-events"] == 2
	})

	tsA := startWSTestServer(t, gwA)
	tsB := startWSTestServer(t, gwB)
	a := mustDial(t, tsA.URL, "a")
	b := mustDial(t, tsB.URL, "b")
	join(t, a, "shared")
	join(t, b, "shared")

	writeEvent(t, a, v1.TypeTypingStart, "t", v1.TypingStart{RoomID: "shared"})
	if p := decodePayload[v1.TypingPayload](t, readUntilType(t, b, v1.TypeTypingStart, 6)); p.UserID != "a" {
		t.Fatalf("typing=%+v", p)
	}

	writeEvent(t, a, v1.TypeMessageSend, "m", v1.MessageSend{RoomID: "shared", Content: "across", Kind: "assistant"})
	p := decodePayload[v1.MessageNewPayload](t, readUntilType(t, b, v1.TypeMessageNew, 6))
	if p.Message.Content != "across" || p.Message.Kind != "assistant" || p.Message.AuthorID != "a" {
		t.Fatalf("message=%+v", p.Message)
	}

	// A's own typing event must not come back to it through the relay twice.
	writeEvent(t, a, v1.TypeHeartbeat, "hb", nil)
	typing := 0
	for {
		env := readEnvelope(t, a)
		if env.Type == v1.TypeTypingStart {
			typing++
		}
		if env.Type == v1.TypeHeartbeat {
			break
		}
	}
	if typing != 1 {
		t.Fatalf("sender saw its typing event %d times", typing)
	}
}

func TestGateway_SendMessageSurfacesStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	gw := newTestGateway(t, mr, Config{})

	c, err := gw.Connect(context.Background(), "tok-u")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := gw.JoinRoom(context.Background(), c, "r"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	mr.Close()
	_, err = gw.SendMessage(context.Background(), c, v1.MessageSend{RoomID: "r", Content: "x"})
	if !errors.Is(err, chat.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if code, _ := errorCode(err); code != v1.CodeStoreUnavailable {
		t.Fatalf("code=%s", code)
	}

	// Typing degrades to a local broadcast.
	if err := gw.SetTyping(context.Background(), c, "r", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	gw.Disconnect(context.Background(), c)
	if st := gw.Stats(); st.ActiveConnections != 0 || st.TotalConnections != 1 || st.Rooms != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestGateway_ConnectRejectsInvalidToken(t *testing.T) {
	mr := miniredis.RunT(t)
	gw := newTestGateway(t, mr, Config{})

	_, err := gw.Connect(context.Background(), "garbage")
	if !errors.Is(err, chat.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if gw.Stats().TotalConnections != 0 {
		t.Fatalf("rejected connection counted")
	}
}

func TestGateway_SendMessageKeepsContentAsSent(t *testing.T) {
	mr := miniredis.RunT(t)
	gw := newTestGateway(t, mr, Config{})
	ctx := context.Background()

	c, err := gw.Connect(ctx, "tok-u")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := gw.JoinRoom(ctx, c, "r"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	cases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "code block", content: "  func main() {}\n"},
		{name: "trailing newline", content: "hello\n"},
		{name: "whitespace only", content: " \t\n", wantErr: true},
		{name: "empty", content: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := gw.SendMessage(ctx, c, v1.MessageSend{RoomID: "r", Content: tc.content})
			if tc.wantErr {
				var ve *chat.ValidationError
				if !errors.As(err, &ve) || ve.Field != "content" {
					t.Fatalf("expected content validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SendMessage: %v", err)
			}
			if msg.Content != tc.content {
				t.Fatalf("returned content = %q, want %q", msg.Content, tc.content)
			}

			stored, err := gw.stream.Range(ctx, "r", "", 100)
			if err != nil {
				t.Fatalf("Range: %v", err)
			}
			var found bool
			for _, e := range stored {
				if e.ID == msg.ID {
					found = true
					if e.Message.Content != tc.content {
						t.Fatalf("stored content = %q, want %q", e.Message.Content, tc.content)
					}
				}
			}
			if !found {
				t.Fatalf("message %s not in stream", msg.ID)
			}
		})
	}
}

func TestGateway_JoinAlwaysPinsTailerStart(t *testing.T) {
	mr := miniredis.RunT(t)
	gw := newTestGateway(t, mr, Config{JoinRateLimit: 1000, JoinRateWindow: time.Second})
	ctx := context.Background()

	var (
		mu     sync.Mutex
		starts []string
	)
	gw.hub = NewHub(gw.log, func(r *Room, fromID string) {
		mu.Lock()
		starts = append(starts, fromID)
		mu.Unlock()
		gw.startTailer(r, fromID)
	})

	if _, err := gw.stream.Append(ctx, "r", chat.Message{AuthorID: "seed", Kind: chat.KindUser, Content: "x"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// one connection churns the room while another joins it
	const rounds = 20
	var wg sync.WaitGroup
	for _, user := range []string{"a", "b"} {
		c, err := gw.Connect(ctx, "tok-"+user)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			for {
				select {
				case <-c.send:
				case <-stop:
					return
				}
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := gw.JoinRoom(ctx, c, "r"); err != nil {
					t.Errorf("JoinRoom %s: %v", c.UserID, err)
					return
				}
				gw.leave(ctx, c, "r")
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(starts) == 0 {
		t.Fatalf("no tailer started")
	}
	for i, from := range starts {
		if from == "" {
			t.Fatalf("tailer %d started without a pinned position", i)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGateway_SendMessageLogsCorrelationID(t *testing.T) {
	mr := miniredis.RunT(t)
	var out syncBuffer
	log := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	gw := newTestGateway(t, mr, Config{}, WithLogger(log))
	ctx := context.Background()

	c, err := gw.Connect(ctx, "tok-u")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := gw.JoinRoom(ctx, c, "r"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	msg, err := gw.SendMessage(ctx, c, v1.MessageSend{RoomID: "r", Content: "hi", Metadata: map[string]any{"correlation_id": "tmp-9"}})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	for _, line := range strings.Split(out.String(), "\n") {
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) != nil || rec["msg"] != "message.append" {
			continue
		}
		if rec["stream_id"] != msg.ID || rec["correlation_id"] != "tmp-9" {
			t.Fatalf("message.append record = %v", rec)
		}
		return
	}
	t.Fatalf("no message.append record in %q", out.String())
}
