package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"parley/internal/chat"

	"github.com/redis/go-redis/v9"
)

// receiptScript applies a receipt only if it is not older than the stored one.
// KEYS[1] receipts hash, KEYS[2] receipt timestamps hash.
// ARGV[1] user id, ARGV[2] unix millis, ARGV[3] record JSON.
// Returns {1, ARGV[3]} when applied, {0, stored JSON} when rejected.
var receiptScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return {0, redis.call('HGET', KEYS[1], ARGV[1])}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return {1, ARGV[3]}
`)

// ReadReceiptTracker keeps the last-read watermark per user per room.
//
// Writes are last-write-wins by timestamp: an update stamped earlier than the
// stored receipt is ignored, so a delayed client can never move the watermark
// backward. Receipts carry no TTL.
type ReadReceiptTracker struct {
	st *Store
}

// NewReadReceiptTracker constructs a tracker.
func NewReadReceiptTracker(st *Store) *ReadReceiptTracker {
	return &ReadReceiptTracker{st: st}
}

// Update stores rec unless a newer receipt exists. It returns the effective
// record and whether rec was applied.
func (r *ReadReceiptTracker) Update(ctx context.Context, roomID string, rec chat.ReceiptRecord) (chat.ReceiptRecord, bool, error) {
	if err := validRoomID(roomID); err != nil {
		return chat.ReceiptRecord{}, false, err
	}
	if err := validUserID(rec.UserID); err != nil {
		return chat.ReceiptRecord{}, false, err
	}
	if strings.TrimSpace(rec.LastReadMessageID) == "" {
		return chat.ReceiptRecord{}, false, &chat.ValidationError{Field: "last_read_message_id", Reason: "missing"}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.st.Now()
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return chat.ReceiptRecord{}, false, err
	}

	keys := []string{r.st.roomKey(roomID, "receipts"), r.st.roomKey(roomID, "receipts:ts")}
	res, err := receiptScript.Run(ctx, r.st.rdb, keys, rec.UserID, unixMillis(rec.Timestamp), string(b)).Slice()
	if err != nil {
		return chat.ReceiptRecord{}, false, chat.Unavailable("receipt update", err)
	}
	if len(res) != 2 {
		return chat.ReceiptRecord{}, false, fmt.Errorf("state: receipt script returned %d values", len(res))
	}

	applied, _ := res[0].(int64)
	stored, _ := res[1].(string)
	if applied == 1 {
		return rec, true, nil
	}

	var cur chat.ReceiptRecord
	if err := json.Unmarshal([]byte(stored), &cur); err != nil {
		return chat.ReceiptRecord{}, false, fmt.Errorf("state: decode stored receipt: %w", err)
	}
	return cur, false, nil
}

// List returns every stored receipt for the room.
func (r *ReadReceiptTracker) List(ctx context.Context, roomID string) (map[string]chat.ReceiptRecord, error) {
	if err := validRoomID(roomID); err != nil {
		return nil, err
	}
	key := r.st.roomKey(roomID, "receipts")
	all, bad, err := readHash[chat.ReceiptRecord](ctx, r.st, key)
	if err != nil {
		return nil, err
	}
	if len(bad) > 0 {
		r.st.log.Warn("state.receipts.decode.fail", "room_id", roomID, "fields", len(bad))
	}
	return all, nil
}
