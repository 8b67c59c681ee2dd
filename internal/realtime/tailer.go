package realtime

import (
	"context"
	"time"

	v1 "parley/contracts/realtime/v1"
	"parley/internal/chat"
)

const (
	tailBatch      = 100
	tailBackoffMin = 100 * time.Millisecond
	tailBackoffMax = 5 * time.Second
)

func (g *Gateway) startTailer(r *Room, fromID string) {
	ctx, cancel := context.WithCancel(g.ctx)
	r.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.tail(ctx, r, fromID)
	}()
}

// tail follows the room stream and delivers every entry to the local room in
// id order until ctx is cancelled.
func (g *Gateway) tail(ctx context.Context, r *Room, cursor string) {
	log := g.log.With("room_id", r.ID)
	backoff := tailBackoffMin

	for ctx.Err() == nil {
		if cursor == "" {
			id, err := g.stream.LastID(ctx, r.ID)
			if err != nil {
				log.Warn("stream.tail.start.fail", "err", err)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = min(2*backoff, tailBackoffMax)
				continue
			}
			cursor = id
		}

		entries, err := g.stream.Tail(ctx, r.ID, cursor, g.cfg.TailBlock, tailBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("stream.tail.fail", "err", err, "cursor", cursor)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(2*backoff, tailBackoffMax)
			continue
		}
		backoff = tailBackoffMin

		for _, e := range entries {
			frame, err := g.frame(v1.TypeMessageNew, v1.MessageNewPayload{RoomID: r.ID, Message: toWireMessage(e.Message)})
			if err != nil {
				log.Error("stream.tail.encode.fail", "err", err, "stream_id", e.ID)
				cursor = e.ID
				continue
			}
			r.deliverMessage(e.ID, frame)
			cursor = e.ID
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func toWireMessage(m chat.Message) v1.Message {
	return v1.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Kind:      string(m.Kind),
		Content:   m.Content,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
}
