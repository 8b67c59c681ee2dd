package realtime

import (
	"context"
	"time"

	"parley/internal/state"
)

const publishTimeout = 2 * time.Second

// emit delivers an ephemeral frame to the local room and publishes it for
// other gateway instances. Publishing is best-effort.
func (g *Gateway) emit(roomID string, frame []byte) {
	if r, ok := g.hub.Room(roomID); ok {
		r.broadcast(frame)
	}
	if g.bus == nil {
		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, publishTimeout)
	defer cancel()
	if err := g.bus.Publish(ctx, state.RoomEvent{Origin: g.instance, RoomID: roomID, Payload: frame}); err != nil {
		g.log.Warn("relay.publish.fail", "room_id", roomID, "err", err)
	}
}

// RunRelay forwards ephemeral events published by other instances to local
// room members until ctx is done. Events from this instance are ignored.
func (g *Gateway) RunRelay(ctx context.Context) error {
	if g.bus == nil {
		<-ctx.Done()
		return nil
	}

	backoff := tailBackoffMin
	for {
		err := g.bus.Listen(ctx, g.relay)
		if ctx.Err() != nil {
			return nil
		}
		g.log.Warn("relay.listen.fail", "err", err)
		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = min(2*backoff, tailBackoffMax)
	}
}

func (g *Gateway) relay(ev state.RoomEvent) {
	if ev.Origin == g.instance {
		return
	}
	if r, ok := g.hub.Room(ev.RoomID); ok {
		r.broadcast(ev.Payload)
	}
}
