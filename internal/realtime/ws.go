package realtime

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "parley/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Subprotocol must be offered by clients during the handshake.
const Subprotocol = "parley.realtime.v1"

// opTimeout bounds the store work done for one inbound event.
const opTimeout = 5 * time.Second

// ServeHTTP adapter so the gateway can be mounted as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS checks origin and token, upgrades and runs the connection until
// it closes. Authentication failures are answered with 401 before upgrading.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !originAllowed(origin, g.cfg.OriginRequired, g.cfg.AllowedOrigins) {
		g.log.Info("ws.reject.origin", "origin", origin, "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	c, err := g.Connect(r.Context(), bearerToken(r))
	if err != nil {
		if errors.Is(err, ErrClosed) {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr, "err", err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="parley"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     originPatterns(g.cfg.AllowedOrigins),
		InsecureSkipVerify: slices.Contains(g.cfg.AllowedOrigins, "*"),
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "conn_id", c.ID, "err", err)
		g.Disconnect(r.Context(), c)
		return
	}
	if sp := ws.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		g.Disconnect(r.Context(), c)
		return
	}
	ws.SetReadLimit(g.cfg.readLimit())

	g.serve(r.Context(), ws, c)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func (g *Gateway) serve(parent context.Context, ws *websocket.Conn, c *Connection) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)

	// writer
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case frame := <-c.send:
				wctx, wcancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
				err := ws.Write(wctx, websocket.MessageText, frame)
				wcancel()
				if err != nil {
					g.log.Info("ws.write.fail", "conn_id", c.ID, "close_status", websocket.CloseStatus(err), "err", err)
					c.Close(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		g.watchIdle(ctx, c)
	}()

	// closer: leave rooms first so presence does not wait on the close
	// handshake, then unblock the read loop
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusGoingAway, "context done")
		case <-c.Done():
		}
		g.Disconnect(context.WithoutCancel(parent), c)
		_ = ws.Close(c.closeCode, c.closeReason)
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				g.log.Debug("ws.peer.close", "conn_id", c.ID, "status", status)
			} else if !c.closed() && ctx.Err() == nil {
				g.log.Info("ws.read.fail", "conn_id", c.ID, "err", err)
			}
			break
		}
		c.seen(g.now())
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		g.dispatch(ctx, c, data)
	}

	c.Close(websocket.StatusNormalClosure, "bye")
	cancel()
	wg.Wait()
	g.Disconnect(context.WithoutCancel(parent), c)
}

// watchIdle closes c once two heartbeat windows pass without an inbound
// frame. The timer is armed at that deadline and re-armed when a frame moved it.
func (g *Gateway) watchIdle(ctx context.Context, c *Connection) {
	limit := 2 * g.cfg.IdleTimeout
	t := time.NewTimer(max(limit-g.now().Sub(c.LastSeen()), 0))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-t.C:
			left := limit - g.now().Sub(c.LastSeen())
			if left <= 0 {
				g.log.Info("ws.idle_timeout", "conn_id", c.ID, "user_id", c.UserID, "last_seen", c.LastSeen())
				c.Close(websocket.StatusPolicyViolation, "idle timeout")
				return
			}
			t.Reset(left)
		}
	}
}

// dispatch decodes one frame and routes it. Every failure is answered with
// room:error; none of them closes the connection.
func (g *Gateway) dispatch(parent context.Context, c *Connection, data []byte) {
	in, err := v1.Decode(data)
	if err != nil {
		g.sendError(c, in.Ref, "", err)
		return
	}

	ctx, cancel := context.WithTimeout(parent, opTimeout)
	defer cancel()

	var roomID string
	if rs, ok := in.Event.(v1.RoomScoped); ok {
		roomID = rs.Room()
	}

	switch ev := in.Event.(type) {
	case v1.RoomJoin:
		err = g.JoinRoom(ctx, c, ev.RoomID)
	case v1.RoomLeave:
		err = g.LeaveRoom(ctx, c, ev.RoomID)
	case v1.MessageSend:
		_, err = g.SendMessage(ctx, c, ev)
	case v1.TypingStart:
		err = g.SetTyping(ctx, c, ev.RoomID, true)
	case v1.TypingStop:
		err = g.SetTyping(ctx, c, ev.RoomID, false)
	case v1.PresenceHeartbeat:
		err = g.PresenceHeartbeat(ctx, c, ev.RoomID)
		roomID = ev.RoomID
	case v1.PresenceList:
		err = g.ListPresence(ctx, c, ev.RoomID)
	case v1.ReceiptUpdate:
		_, err = g.UpdateReadReceipt(ctx, c, ev.RoomID, ev.LastReadMessageID)
	case v1.ReceiptList:
		err = g.ListReceipts(ctx, c, ev.RoomID)
	case v1.Heartbeat:
		g.Heartbeat(ctx, c)
		err = g.send(c, v1.TypeHeartbeat, nil)
	}
	if err == nil {
		return
	}

	if code, _ := errorCode(err); code == v1.CodeInternal || code == v1.CodeStoreUnavailable {
		g.log.Warn("ws.event.fail", "conn_id", c.ID, "type", in.Event.Type(), "room_id", roomID, "err", err)
	}
	g.sendError(c, in.Ref, roomID, err)
}
