// Command ws-smoke runs an end-to-end check against a live parley server.
//
// Two users join one room, one sends a message, and the other must see it
// delivered through the stream, then acknowledge it with a read receipt.
// Typing and heartbeat round trips are checked on the way.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/pflag"

	v1 "parley/contracts/realtime/v1"
)

const (
	subprotocol  = "parley.realtime.v1"
	maxReadBytes = 1 << 20
)

type options struct {
	url       string
	origin    string
	room      string
	text      string
	tokenA    string
	tokenB    string
	jwtSecret string
	issuer    string
	timeout   time.Duration
	verbose   bool
}

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
	seq   int
}

func main() {
	var o options
	fs := pflag.NewFlagSet("ws-smoke", pflag.ContinueOnError)
	fs.StringVar(&o.url, "url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
	fs.StringVar(&o.origin, "origin", "http://localhost", "Origin header sent on the handshake")
	fs.StringVar(&o.room, "room", "smoke-room", "room to join")
	fs.StringVar(&o.text, "text", "hello parley", "message content")
	fs.StringVar(&o.tokenA, "token-a", "", "bearer token for the first user")
	fs.StringVar(&o.tokenB, "token-b", "", "bearer token for the second user")
	fs.StringVar(&o.jwtSecret, "jwt-secret", "", "mint HS256 tokens when --token-a/--token-b are empty")
	fs.StringVar(&o.issuer, "issuer", "parley", "issuer claim for minted tokens")
	fs.DurationVar(&o.timeout, "timeout", 7*time.Second, "per-step timeout")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fatalf("%v", err)
	}

	if err := validateWSURL(o.url); err != nil {
		fatalf("invalid --url: %v", err)
	}
	tokA, tokB := o.tokenA, o.tokenB
	if tokA == "" || tokB == "" {
		if o.jwtSecret == "" {
			fatalf("either both tokens or --jwt-secret are required")
		}
		tokA = mintToken(o.jwtSecret, o.issuer, "smoke-alice")
		tokB = mintToken(o.jwtSecret, o.issuer, "smoke-bob")
	}

	root := context.Background()

	a := mustConnect(root, "A", o, tokA)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", o, tokB)
	defer closeWS(b.conn)

	a.mustJoin(root, o.room, o.timeout)
	b.mustJoin(root, o.room, o.timeout)

	a.mustWrite(root, v1.TypeMessageSend, v1.MessageSend{
		RoomID:   o.room,
		Content:  o.text,
		Metadata: map[string]any{"smoke": true},
	}, o.timeout)

	got := b.mustReadMessage(root, o.room, o.text, o.timeout)
	if got.AuthorID == "" || got.ID == "" {
		fatalf("message:new missing id or author: %+v", got)
	}
	_ = a.mustReadMessage(root, o.room, o.text, o.timeout)
	if o.verbose {
		fmt.Printf("delivered id=%s author=%s\n", got.ID, got.AuthorID)
	}

	b.mustWrite(root, v1.TypeReceiptUpdate, v1.ReceiptUpdate{RoomID: o.room, LastReadMessageID: got.ID}, o.timeout)
	env := a.mustReadUntilType(root, v1.TypeReceiptUpdate, o.timeout)
	var rp v1.ReceiptUpdatePayload
	mustUnmarshal(env.Payload, &rp)
	if rp.Receipt.LastReadMessageID != got.ID {
		fatalf("receipt mismatch: got=%q want=%q", rp.Receipt.LastReadMessageID, got.ID)
	}

	a.mustWrite(root, v1.TypeTypingStart, v1.TypingStart{RoomID: o.room}, o.timeout)
	_ = b.mustReadUntilType(root, v1.TypeTypingStart, o.timeout)

	b.mustWrite(root, v1.TypeHeartbeat, nil, o.timeout)
	_ = b.mustReadUntilType(root, v1.TypeHeartbeat, o.timeout)

	fmt.Printf("OK: room=%s message_id=%s\n", o.room, got.ID)
}

func mintToken(secret, issuer, user string) string {
	now := time.Now()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}).SignedString([]byte(secret))
	if err != nil {
		fatalf("mint token: %v", err)
	}
	return s
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name string, o options, token string) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(o.origin) != "" {
		h.Set("Origin", o.origin)
	}

	conn, resp, err := websocket.Dial(ctx, o.url, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			fatalf("connect %s: %v (status %d)", name, err, resp.StatusCode)
		}
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *smokeClient) readLoop() {
	defer close(c.inbox)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.fail(fmt.Errorf("bad json: %w", err))
			return
		}
		if env.V != v1.Version {
			c.fail(fmt.Errorf("unexpected version %q", env.V))
			return
		}
		select {
		case c.inbox <- env:
		default:
			c.fail(errors.New("inbox overflow: consumer too slow"))
			return
		}
	}
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustJoin(parent context.Context, room string, timeout time.Duration) {
	c.mustWrite(parent, v1.TypeRoomJoin, v1.RoomJoin{RoomID: room}, timeout)
	env := c.mustReadUntilType(parent, v1.TypeRoomJoin, timeout)
	var p v1.RoomPayload
	mustUnmarshal(env.Payload, &p)
	if p.RoomID != room {
		fatalf("join echo room mismatch (%s): got=%q want=%q", c.name, p.RoomID, room)
	}
}

// mustReadMessage waits for a message:new with the given content; history
// from earlier runs is skipped.
func (c *smokeClient) mustReadMessage(parent context.Context, room, content string, timeout time.Duration) v1.Message {
	deadline := time.Now().Add(timeout)
	for {
		env := c.mustReadUntilType(parent, v1.TypeMessageNew, time.Until(deadline))
		var p v1.MessageNewPayload
		mustUnmarshal(env.Payload, &p)
		if p.RoomID == room && p.Message.Content == content {
			return p.Message
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, want string, timeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s)", want, c.name)
		case err := <-c.errCh:
			fatalf("connection error waiting for %q (%s): %v", want, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed waiting for %q (%s)", want, c.name)
			}
			if env.Type == want {
				return env
			}
			if env.Type == v1.TypeRoomError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q ref=%q", c.name, ep.Code, ep.Message, ep.Ref)
			}
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	c.seq++
	b, err := v1.Marshal(typ, fmt.Sprintf("%s-%d", c.name, c.seq), time.Now(), payload)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func mustUnmarshal(raw json.RawMessage, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatalf("unmarshal payload: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
