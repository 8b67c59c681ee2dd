package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"parley/internal/chat"
	"parley/internal/state"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *miniredis.Miniredis, *testClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &testClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	st, err := state.NewStore(rdb, state.WithPrefix("test"), state.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	c, err := NewCache(st, opts...)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c, mr, clk
}

func msg(n int) chat.Message {
	return chat.Message{
		ID:        fmt.Sprintf("%d-0", n),
		RoomID:    "room-1",
		AuthorID:  "alice",
		Kind:      chat.KindUser,
		Content:   fmt.Sprintf("#%d", n),
		CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, n, time.UTC),
	}
}

func TestAppend_EvictsOldestPastCapacity(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	for i := 1; i <= DefaultMaxMessages+1; i++ {
		n, err := c.Append(ctx, "room-1", msg(i))
		if err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
		if n > DefaultMaxMessages {
			t.Fatalf("window grew to %d after #%d", n, i)
		}
	}

	got, ok, err := c.Get(ctx, "room-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(got) != DefaultMaxMessages {
		t.Fatalf("len=%d want=%d", len(got), DefaultMaxMessages)
	}
	if got[0].Content != "#2" {
		t.Fatalf("first message=%q want #2", got[0].Content)
	}
	if got[len(got)-1].Content != fmt.Sprintf("#%d", DefaultMaxMessages+1) {
		t.Fatalf("last message=%q", got[len(got)-1].Content)
	}
}

func TestAppend_SmallWindowKeepsNewestInOrder(t *testing.T) {
	c, _, _ := newTestCache(t, WithMaxMessages(3))
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if _, err := c.Append(ctx, "s1", msg(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, _, err := c.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var contents []string
	for _, m := range got {
		contents = append(contents, m.Content)
	}
	if fmt.Sprint(contents) != "[#8 #9 #10]" {
		t.Fatalf("window=%v", contents)
	}
}

func TestRecord_PreservesFields(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	in := msg(7)
	in.Kind = chat.KindAssistant
	in.Metadata = map[string]any{"correlation_id": "tmp-7", "model": map[string]any{"name": "x"}}
	if _, err := c.Append(ctx, "s1", in); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, ok, err := c.Get(ctx, "s1")
	if err != nil || !ok || len(got) != 1 {
		t.Fatalf("get: ok=%v err=%v len=%d", ok, err, len(got))
	}
	out := got[0]
	if out.ID != in.ID || out.Kind != chat.KindAssistant || out.AuthorID != "alice" {
		t.Fatalf("unexpected message %+v", out)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("created_at=%v want=%v", out.CreatedAt, in.CreatedAt)
	}
	if out.CorrelationID() != "tmp-7" {
		t.Fatalf("metadata lost: %+v", out.Metadata)
	}
	if nested, ok := out.Metadata["model"].(map[string]any); !ok || nested["name"] != "x" {
		t.Fatalf("nested metadata=%#v", out.Metadata["model"])
	}
}

func TestGet_ColdAndExpiry(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "s1"); err != nil || ok {
		t.Fatalf("empty cache should be cold: ok=%v err=%v", ok, err)
	}

	if _, err := c.Append(ctx, "s1", msg(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	mr.FastForward(15 * time.Minute)
	if found, err := c.Touch(ctx, "s1"); err != nil || !found {
		t.Fatalf("touch: found=%v err=%v", found, err)
	}
	mr.FastForward(15 * time.Minute)
	if _, ok, _ := c.Get(ctx, "s1"); !ok {
		t.Fatalf("touch should have kept the session warm")
	}

	mr.FastForward(DefaultTTL + time.Second)
	if _, ok, _ := c.Get(ctx, "s1"); ok {
		t.Fatalf("session should have expired")
	}
	if found, err := c.Touch(ctx, "s1"); err != nil || found {
		t.Fatalf("touch on expired: found=%v err=%v", found, err)
	}
}

func TestClearMany(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := c.Append(ctx, id, msg(1)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	n, err := c.ClearMany(ctx, []string{"a", "b", "missing"})
	if err != nil || n != 2 {
		t.Fatalf("ClearMany n=%d err=%v", n, err)
	}
	if err := c.Clear(ctx, "c"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if idx, _ := c.Indexed(ctx); idx != 0 {
		t.Fatalf("index should be empty, has %d", idx)
	}
}

func TestScanAndLoadMany(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := c.Append(ctx, id, msg(1)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	// Unrelated keys in the namespace are ignored.
	mr.Set("test:room:{a}:typing", "x")

	var seen []string
	err := c.Scan(ctx, 2, func(ids []string) error {
		seen = append(seen, ids...)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	sort.Strings(seen)
	if fmt.Sprint(seen) != "[a b c]" {
		t.Fatalf("scan saw %v", seen)
	}

	mr.Set(c.key("corrupt"), "not a record")
	recs, bad, err := c.LoadMany(ctx, []string{"a", "gone", "c", "corrupt"})
	if err != nil {
		t.Fatalf("LoadMany: %v", err)
	}
	if len(recs) != 2 || recs["a"].SessionID != "a" || len(recs["c"].Messages) != 1 {
		t.Fatalf("unexpected records %+v", recs)
	}
	if _, ok := bad["corrupt"]; !ok || len(bad) != 1 {
		t.Fatalf("corrupt record not reported: %v", bad)
	}

	// A corrupt record reads as cold and is replaced by the next append.
	if _, ok, err := c.Get(ctx, "corrupt"); ok || err != nil {
		t.Fatalf("corrupt get: ok=%v err=%v", ok, err)
	}
	if n, err := c.Append(ctx, "corrupt", msg(2)); err != nil || n != 1 {
		t.Fatalf("append over corrupt: n=%d err=%v", n, err)
	}

	stop := errors.New("stop")
	if err := c.Scan(ctx, 10, func([]string) error { return stop }); !errors.Is(err, stop) {
		t.Fatalf("scan should surface callback error, got %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	c, mr, clk := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Append(ctx, "old", msg(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	clk.Advance(10 * time.Minute)
	mr.FastForward(10 * time.Minute)
	if _, err := c.Append(ctx, "fresh", msg(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	clk.Advance(11 * time.Minute)
	mr.FastForward(11 * time.Minute)

	removed, err := c.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d want=1", removed)
	}
	idx, err := c.Indexed(ctx)
	if err != nil || idx != 1 {
		t.Fatalf("indexed=%d err=%v", idx, err)
	}
	if _, err := mr.ZScore(c.indexKey(), "fresh"); err != nil {
		t.Fatalf("fresh session dropped from index")
	}
}

func TestValidation(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Append(ctx, "", msg(1)); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("empty id: %v", err)
	}
	if _, _, err := c.Get(ctx, "a}b"); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("braced id: %v", err)
	}
}
