package archive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PARLEY_DATABASE_URL is set.

func TestPostgresArchive_BulkWrite_Idempotent(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := "parley_it_" + randomHex(t, 6)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	a, err := NewPostgresArchive(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	withMeta := rec("r1", "1-0")
	withMeta.Metadata = map[string]any{"correlation_id": "tmp-1"}
	batch := []DurableMessage{withMeta, rec("r1", "2-0"), {RoomID: "r1"}, rec("r1", "3-0")}

	for round := 0; round < 2; round++ {
		errs, err := a.BulkWrite(ctx, batch)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if !errors.Is(errs[2], ErrInvalidRecord) {
			t.Fatalf("round %d: record 2 should be invalid, got %v", round, errs[2])
		}
		for _, i := range []int{0, 1, 3} {
			if errs[i] != nil {
				t.Fatalf("round %d: record %d: %v", round, i, errs[i])
			}
		}
	}

	if n := mustCount(t, pool, schema, "r1"); n != 3 {
		t.Fatalf("count=%d want=3", n)
	}
}

func TestPostgresArchive_BadKindIsIsolated(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := "parley_it_" + randomHex(t, 6)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	a, err := NewPostgresArchive(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bad := rec("r2", "2-0")
	bad.Kind = "robot" // rejected by the CHECK constraint, not by Validate
	errs, err := a.BulkWrite(ctx, []DurableMessage{rec("r2", "1-0"), bad, rec("r2", "3-0")})
	if err != nil {
		t.Fatalf("BulkWrite: %v", err)
	}
	if errs[0] != nil || errs[2] != nil || errs[1] == nil {
		t.Fatalf("unexpected per-record errors %v", errs)
	}
	if n := mustCount(t, pool, schema, "r2"); n != 2 {
		t.Fatalf("count=%d want=2", n)
	}
}

func TestWithSchema_RejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "  ", "bad-name", "1abc", `x"; DROP`} {
		if _, err := NewPostgresArchive(nil, WithSchema(s)); err == nil {
			t.Fatalf("schema %q should be rejected", s)
		}
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustCount(t *testing.T, pool *pgxpool.Pool, schema, roomID string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "messages")+` WHERE room_id = $1`, roomID,
	).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func randomHex(t *testing.T, n int) string {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(b)
}
