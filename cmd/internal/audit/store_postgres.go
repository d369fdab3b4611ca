package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"cardlink/cmd/internal/cardlink"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// PostgresStore does NOT own the pgx pool. The caller must close the pool;
// Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "cardlink").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("audit: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("audit: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "cardlink",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("audit: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and the session_attempts table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	attempts := pgIdent(s.schema, "session_attempts")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  session_id       TEXT PRIMARY KEY,
  correlation_id   TEXT NOT NULL DEFAULT '',
  card_fingerprint TEXT NOT NULL DEFAULT '',
  result           TEXT NOT NULL CHECK (result IN ('success', 'failure')),
  state            TEXT NOT NULL,
  apdu_count       INTEGER NOT NULL DEFAULT 0,
  error            TEXT NOT NULL DEFAULT '',
  started_at       TIMESTAMPTZ NOT NULL,
  finished_at      TIMESTAMPTZ NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_attempts_started_desc
  ON %s (started_at DESC);
`, pgx.Identifier{s.schema}.Sanitize(), attempts, attempts)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// RecordAttempt inserts one attempt. A second insert for the same session id is ignored.
func (s *PostgresStore) RecordAttempt(ctx context.Context, a cardlink.Attempt) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: nil store")
	}
	if a.SessionID == "" {
		return errors.New("audit: missing session id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e := EntryFromAttempt(a)
	attempts := pgIdent(s.schema, "session_attempts")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+attempts+` (
		     session_id, correlation_id, card_fingerprint, result, state, apdu_count, error, started_at, finished_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO NOTHING`,
		e.SessionID, e.CorrelationID, e.CardFingerprint, e.Result, e.State, e.APDUCount, e.Error, e.StartedAt, e.FinishedAt,
	); err != nil {
		return fmt.Errorf("audit: insert attempt: %w", err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("audit: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, correlation_id, card_fingerprint, result, state, apdu_count, error, started_at, finished_at
		   FROM `+pgIdent(s.schema, "session_attempts")+`
		  ORDER BY started_at DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.SessionID,
			&e.CorrelationID,
			&e.CardFingerprint,
			&e.Result,
			&e.State,
			&e.APDUCount,
			&e.Error,
			&e.StartedAt,
			&e.FinishedAt,
		); err != nil {
			return nil, err
		}
		e.StartedAt = e.StartedAt.UTC()
		e.FinishedAt = e.FinishedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
