package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/data/pgxutil"
	"github.com/target/graph-relay/internal/domain/model"
)

// LedgerRepo implements the LedgerRepository interface using PostgreSQL.
// The ledger is append-and-expire: rows are written once per published
// result, read by the dedup check, and deleted by the retention sweeper.
type LedgerRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewLedgerRepo creates a new LedgerRepo with the given database connection.
func NewLedgerRepo(db *sql.DB) *LedgerRepo {
	return &LedgerRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

const ledgerColumns = `hash, source, type, schema, message_id, created_at`

// Exists reports whether a ledger row matching (hash, source, type) is present.
func (r *LedgerRepo) Exists(ctx context.Context, hash, source, recordType string) (bool, error) {
	if hash == "" {
		return false, errors.New("hash is required")
	}
	var exists bool
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM messages_sent
				WHERE hash = $1 AND source = $2 AND type = $3
			)
		`, hash, source, recordType)
		return row.Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("ledger exists check: %w", err)
	}
	return exists, nil
}

// Insert stores a new ledger row. A unique violation on the hash primary key
// is reported as core.ErrDuplicateEntry so callers can treat the
// check-then-insert race as benign.
func (r *LedgerRepo) Insert(ctx context.Context, entry model.LedgerEntry) error {
	if entry.Hash == "" {
		return errors.New("hash is required")
	}
	if entry.MessageID == "" {
		return errors.New("message id is required")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.timeProvider.Now().UTC()
	}

	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		_, execErr := conn.Exec(ctx, `
			INSERT INTO messages_sent (`+ledgerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, entry.Hash, entry.Source, entry.Type, entry.Schema, entry.MessageID, createdAt)
		return execErr
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return core.ErrDuplicateEntry
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// DeleteOlderThan removes ledger rows created before the cutoff, at most
// limit rows per call, and returns the number removed. Batching keeps sweep
// deletes from holding long locks on large tables.
func (r *LedgerRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit < 1 {
		return 0, errors.New("limit must be positive")
	}
	var removed int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx, `
			DELETE FROM messages_sent
			WHERE hash IN (
				SELECT hash FROM messages_sent
				WHERE created_at < $1
				LIMIT $2
			)
		`, cutoff.UTC(), limit)
		if execErr != nil {
			return execErr
		}
		removed = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete old ledger entries: %w", err)
	}
	return removed, nil
}

// GetByHash returns a ledger row by content hash, nil when absent.
func (r *LedgerRepo) GetByHash(ctx context.Context, hash string) (*model.LedgerEntry, error) {
	if hash == "" {
		return nil, errors.New("hash is required")
	}
	var out model.LedgerEntry
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `SELECT `+ledgerColumns+` FROM messages_sent WHERE hash = $1`, hash)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		var e error
		out, e = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.LedgerEntry])
		return e
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil //nolint:nilnil // Not found is valid for dedup lookups
		}
		return nil, fmt.Errorf("get ledger entry by hash: %w", err)
	}
	return &out, nil
}

var _ core.LedgerRepository = (*LedgerRepo)(nil)
