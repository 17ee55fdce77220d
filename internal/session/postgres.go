package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rickgao/resumesub/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_records (
	destination TEXT PRIMARY KEY,
	sid         TEXT NOT NULL,
	gid         TEXT
);
CREATE INDEX IF NOT EXISTS session_records_sid_idx ON session_records (sid);
`

// querier is the subset of pgxpool.Pool used by the store.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps session records in a PostgreSQL table so that several
// client processes can share them.
type PostgresStore struct {
	db     querier
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps a pool. Close closes the pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     pool,
		pool:   pool,
		logger: logger.With("component", "session_store"),
	}
}

// EnsureSchema creates the session table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create session schema: %w", err)
	}
	return nil
}

// Get returns the record for destination, or nil if none exists.
func (s *PostgresStore) Get(ctx context.Context, destination string) (*model.SessionRecord, error) {
	var (
		rec model.SessionRecord
		gid *string
	)
	err := s.db.QueryRow(ctx,
		`SELECT destination, sid, gid FROM session_records WHERE destination = $1`,
		destination,
	).Scan(&rec.Destination, &rec.SID, &gid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("failed to read session record", "destination", destination, "error", err)
		return nil, fmt.Errorf("get session %q: %w", destination, err)
	}
	if gid != nil {
		rec.GID = *gid
	}
	return &rec, nil
}

// Put creates or overwrites the record for destination with a cleared cursor.
func (s *PostgresStore) Put(ctx context.Context, sid, destination string) error {
	if err := validatePut(sid, destination); err != nil {
		return err
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO session_records (destination, sid, gid) VALUES ($1, $2, NULL)
		 ON CONFLICT (destination) DO UPDATE SET sid = EXCLUDED.sid, gid = NULL`,
		destination, sid,
	)
	if err != nil {
		s.logger.Error("failed to write session record", "destination", destination, "sid", sid, "error", err)
		return fmt.Errorf("put session %q: %w", destination, err)
	}
	return nil
}

// AdvanceCursor stores gid as the destination's cursor. No-op without a record.
func (s *PostgresStore) AdvanceCursor(ctx context.Context, destination, gid string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE session_records SET gid = $2 WHERE destination = $1`,
		destination, gid,
	)
	if err != nil {
		s.logger.Error("failed to advance cursor", "destination", destination, "gid", gid, "error", err)
		return fmt.Errorf("advance cursor %q: %w", destination, err)
	}
	return nil
}

// Delete removes the destination's record.
func (s *PostgresStore) Delete(ctx context.Context, destination string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM session_records WHERE destination = $1`, destination); err != nil {
		s.logger.Error("failed to delete session record", "destination", destination, "error", err)
		return fmt.Errorf("delete session %q: %w", destination, err)
	}
	return nil
}

// ListDestinations returns every destination whose record carries sid.
func (s *PostgresStore) ListDestinations(ctx context.Context, sid string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT destination FROM session_records WHERE sid = $1 ORDER BY destination`,
		sid,
	)
	if err != nil {
		s.logger.Error("failed to list destinations", "sid", sid, "error", err)
		return nil, fmt.Errorf("list destinations for %q: %w", sid, err)
	}

	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list destinations for %q: %w", sid, err)
	}
	return out, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
