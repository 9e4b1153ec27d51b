// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Each finished session becomes one row in live_sessions (with a short
// summary used to seed later sessions) plus one row per utterance in
// live_session_entries. [Migrate] creates both tables and is run by
// [NewStore].
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brightpath/livelink/pkg/history"
)

var _ history.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS live_sessions (
    session_id   TEXT         PRIMARY KEY,
    activity_id  TEXT         NOT NULL DEFAULT '',
    child_id     TEXT         NOT NULL DEFAULT '',
    summary      TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ,
    ended_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_live_sessions_child_ended
    ON live_sessions (child_id, ended_at DESC);

CREATE TABLE IF NOT EXISTS live_session_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES live_sessions (session_id) ON DELETE CASCADE,
    seq         INT          NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_live_session_entries_session
    ON live_session_entries (session_id, seq);
`

// Migrate creates the history tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("history postgres: migrate: %w", err)
	}
	return nil
}

// Store is a history.Store over a pgx connection pool. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Save implements [history.Store]. The session row and its entries are
// replaced in a single transaction.
func (s *Store) Save(ctx context.Context, key history.Key, entries []history.Entry) error {
	var startedAt *time.Time
	if len(entries) > 0 {
		startedAt = &entries[0].Timestamp
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO live_sessions (session_id, activity_id, child_id, summary, started_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (session_id) DO UPDATE
			SET activity_id = EXCLUDED.activity_id,
			    child_id    = EXCLUDED.child_id,
			    summary     = EXCLUDED.summary,
			    started_at  = EXCLUDED.started_at,
			    ended_at    = EXCLUDED.ended_at`
		if _, err := tx.Exec(ctx, upsert, key.SessionID, key.ActivityID, key.ChildID, history.Summarize(entries), startedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM live_session_entries WHERE session_id = $1`, key.SessionID); err != nil {
			return err
		}

		if len(entries) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for i, e := range entries {
			batch.Queue(`
				INSERT INTO live_session_entries (session_id, seq, role, content, timestamp)
				VALUES ($1, $2, $3, $4, $5)`,
				key.SessionID, i, string(e.Role), e.Content, e.Timestamp)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("history postgres: save %s: %w", key.SessionID, err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, childID string, n int) ([]history.SessionSummary, error) {
	if n <= 0 {
		return []history.SessionSummary{}, nil
	}
	const q = `
		SELECT session_id, activity_id, ended_at, summary
		FROM   live_sessions
		WHERE  child_id = $1
		ORDER  BY ended_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, childID, n)
	if err != nil {
		return nil, fmt.Errorf("history postgres: recent: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.SessionSummary, error) {
		var ss history.SessionSummary
		err := row.Scan(&ss.SessionID, &ss.ActivityID, &ss.EndedAt, &ss.Summary)
		return ss, err
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	if out == nil {
		out = []history.SessionSummary{}
	}
	return out, nil
}

// Entries returns the saved conversation for sessionID in order.
func (s *Store) Entries(ctx context.Context, sessionID string) ([]history.Entry, error) {
	const q = `
		SELECT role, content, timestamp
		FROM   live_session_entries
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history postgres: entries: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var (
			e    history.Entry
			role string
		)
		err := row.Scan(&role, &e.Content, &e.Timestamp)
		e.Role = history.Role(role)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
