package archive

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresArchive is an Archive backed by PostgreSQL.
//
// Ownership model:
//   - PostgresArchive does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Write model:
//   - One pgx.Batch of INSERT ... ON CONFLICT (room_id, stream_id) DO NOTHING.
//   - A batch runs in one implicit transaction, so if any row fails the batch
//     is replayed row by row to isolate the failing records.
type PostgresArchive struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresArchive behavior.
type PostgresOption func(*PostgresArchive) error

// WithSchema sets the DB schema used by the archive (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(a *PostgresArchive) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("archive: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("archive: invalid schema identifier")
		}
		a.schema = schema
		return nil
	}
}

// NewPostgresArchive constructs a Postgres-backed Archive.
func NewPostgresArchive(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresArchive, error) {
	a := &PostgresArchive{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.pool == nil {
		return nil, errors.New("archive: nil pool")
	}
	return a, nil
}

// Close is a no-op because the pool is owned by the caller.
func (a *PostgresArchive) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (a *PostgresArchive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Migrate creates the schema and messages table if they do not exist.
func (a *PostgresArchive) Migrate(ctx context.Context) error {
	messages := a.table()
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{a.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
  room_id     TEXT        NOT NULL,
  stream_id   TEXT        NOT NULL,
  session_id  TEXT        NOT NULL,
  author_id   TEXT        NOT NULL,
  kind        TEXT        NOT NULL CHECK (kind IN ('user', 'assistant', 'system')),
  content     TEXT        NOT NULL,
  metadata    JSONB,
  created_at  TIMESTAMPTZ NOT NULL,
  archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (room_id, stream_id)
)`,
		`CREATE INDEX IF NOT EXISTS messages_room_created_idx ON ` + messages + ` (room_id, created_at)`,
	}
	for _, q := range stmts {
		if _, err := a.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("archive: migrate: %w", err)
		}
	}
	return nil
}

// BulkWrite upserts recs idempotently.
func (a *PostgresArchive) BulkWrite(ctx context.Context, recs []DurableMessage) ([]error, error) {
	if a == nil || a.pool == nil {
		return nil, errors.New("archive: nil archive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	errs := make([]error, len(recs))
	valid := make([]int, 0, len(recs))
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			errs[i] = err
			continue
		}
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return errs, nil
	}

	query := a.insertSQL()

	b := &pgx.Batch{}
	for _, i := range valid {
		r := recs[i]
		b.Queue(query, insertArgs(r)...)
	}
	err := a.pool.SendBatch(ctx, b).Close()
	if err == nil {
		return errs, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("archive: batch: %w", err)
	}

	for _, i := range valid {
		if _, err := a.pool.Exec(ctx, query, insertArgs(recs[i])...); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("archive: row %s: %w", recs[i].Key(), ctx.Err())
			}
			errs[i] = fmt.Errorf("archive: row %s: %w", recs[i].Key(), err)
		}
	}
	return errs, nil
}

func (a *PostgresArchive) table() string {
	return pgIdent(a.schema, "messages")
}

func (a *PostgresArchive) insertSQL() string {
	return `INSERT INTO ` + a.table() + ` (
	     room_id, stream_id, session_id, author_id, kind, content, metadata, created_at
	   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	   ON CONFLICT (room_id, stream_id) DO NOTHING`
}

func insertArgs(r DurableMessage) []any {
	var meta any
	if len(r.Metadata) > 0 {
		meta = r.Metadata
	}
	return []any{r.RoomID, r.StreamID, r.SessionID, r.AuthorID, string(r.Kind), r.Content, meta, r.CreatedAt}
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
