package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"parley/internal/chat"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStreamRetention is how long an idle room stream survives.
	DefaultStreamRetention = 24 * time.Hour

	// DefaultStreamMaxLen caps a room stream; trimming is approximate.
	DefaultStreamMaxLen = 10_000

	maxRangeLimit = 1000
)

// StreamLog is the per-room append-only message log. Entry ids are assigned by
// Redis, are strictly increasing within a room and define display order
// regardless of gateway clocks.
type StreamLog struct {
	st        *Store
	retention time.Duration
	maxLen    int64
}

// NewStreamLog constructs a log with the given retention and length cap.
func NewStreamLog(st *Store, retention time.Duration, maxLen int64) *StreamLog {
	if retention <= 0 {
		retention = DefaultStreamRetention
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &StreamLog{st: st, retention: retention, maxLen: maxLen}
}

// Entry is one decoded stream record.
type Entry struct {
	ID      string
	Message chat.Message
}

// Append adds msg to the room stream and returns the stored message with its
// assigned id. The stream expiry is refreshed in the same round trip.
func (l *StreamLog) Append(ctx context.Context, roomID string, msg chat.Message) (chat.Message, error) {
	if err := validRoomID(roomID); err != nil {
		return chat.Message{}, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.st.Now()
	}
	msg.RoomID = roomID

	values, err := encodeEntry(msg)
	if err != nil {
		return chat.Message{}, err
	}

	key := l.st.roomKey(roomID, "stream")
	var add *redis.StringCmd
	_, err = l.st.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: l.maxLen,
			Approx: true,
			Values: values,
		})
		p.PExpire(ctx, key, l.retention)
		return nil
	})
	if err != nil {
		return chat.Message{}, chat.Unavailable("xadd "+key, err)
	}

	msg.ID = add.Val()
	return msg, nil
}

// Range returns up to limit entries strictly after fromID, oldest first.
// An empty fromID starts at the beginning of the retained log.
func (l *StreamLog) Range(ctx context.Context, roomID, fromID string, limit int) ([]Entry, error) {
	if err := validRoomID(roomID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	start := "-"
	if fromID != "" {
		next, err := nextStreamID(fromID)
		if err != nil {
			return nil, &chat.ValidationError{Field: "from_id", Reason: err.Error()}
		}
		start = next
	}

	key := l.st.roomKey(roomID, "stream")
	msgs, err := l.st.rdb.XRangeN(ctx, key, start, "+", int64(limit)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, chat.Unavailable("xrange "+key, err)
	}
	return decodeEntries(roomID, msgs), nil
}

// Latest returns the newest n entries ordered oldest first. It is used to
// hydrate a client when the session cache is cold.
func (l *StreamLog) Latest(ctx context.Context, roomID string, n int) ([]Entry, error) {
	if err := validRoomID(roomID); err != nil {
		return nil, err
	}
	n = clampLimit(n)

	key := l.st.roomKey(roomID, "stream")
	msgs, err := l.st.rdb.XRevRangeN(ctx, key, "+", "-", int64(n)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, chat.Unavailable("xrevrange "+key, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return decodeEntries(roomID, msgs), nil
}

// LastID returns the newest entry id, or "0-0" for an empty stream.
func (l *StreamLog) LastID(ctx context.Context, roomID string) (string, error) {
	last, err := l.Latest(ctx, roomID, 1)
	if err != nil {
		return "", err
	}
	if len(last) == 0 {
		return "0-0", nil
	}
	return last[0].ID, nil
}

// Tail blocks up to block for entries after afterID. A timeout returns an
// empty slice and no error.
func (l *StreamLog) Tail(ctx context.Context, roomID, afterID string, block time.Duration, count int) ([]Entry, error) {
	if err := validRoomID(roomID); err != nil {
		return nil, err
	}
	if afterID == "" {
		afterID = "0-0"
	}
	if block <= 0 {
		block = time.Second
	}

	key := l.st.roomKey(roomID, "stream")
	streams, err := l.st.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, afterID},
		Count:   int64(clampLimit(count)),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, chat.Unavailable("xread "+key, err)
	}

	var out []Entry
	for _, s := range streams {
		out = append(out, decodeEntries(roomID, s.Messages)...)
	}
	return out, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return 50
	}
	if n > maxRangeLimit {
		return maxRangeLimit
	}
	return n
}

func encodeEntry(msg chat.Message) (map[string]any, error) {
	meta := ""
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("state: encode metadata: %w", err)
		}
		meta = string(b)
	}
	return map[string]any{
		"author":  msg.AuthorID,
		"kind":    string(msg.Kind),
		"content": msg.Content,
		"meta":    meta,
		"ts":      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeEntries(roomID string, msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{ID: m.ID, Message: decodeEntry(roomID, m)})
	}
	return out
}

func decodeEntry(roomID string, m redis.XMessage) chat.Message {
	str := func(k string) string {
		s, _ := m.Values[k].(string)
		return s
	}

	msg := chat.Message{
		ID:       m.ID,
		RoomID:   roomID,
		AuthorID: str("author"),
		Kind:     chat.Kind(str("kind")),
		Content:  str("content"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("ts")); err == nil {
		msg.CreatedAt = ts
	}
	if meta := str("meta"); meta != "" {
		_ = json.Unmarshal([]byte(meta), &msg.Metadata)
	}
	return msg
}

// nextStreamID returns the smallest id strictly greater than id.
func nextStreamID(id string) (string, error) {
	ms, seq, err := parseStreamID(id)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq+1, 10), nil
}

func parseStreamID(id string) (ms, seq uint64, err error) {
	msPart, seqPart, ok := strings.Cut(strings.TrimSpace(id), "-")
	if !ok {
		seqPart = "0"
	}
	ms, err = strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	seq, err = strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	return ms, seq, nil
}

// CompareIDs orders two stream ids: -1 if a < b, 0 if equal, 1 if a > b.
// Unparseable ids sort first.
func CompareIDs(a, b string) int {
	am, as, aerr := parseStreamID(a)
	bm, bs, berr := parseStreamID(b)
	switch {
	case aerr != nil && berr != nil:
		return 0
	case aerr != nil:
		return -1
	case berr != nil:
		return 1
	}
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
