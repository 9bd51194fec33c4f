package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ptrsweep/ptrsweep/pkg/types"
)

// ResultStore is the durable (ip -> ptr) table. Upserts are atomic per
// batch: the most recent observation for a given ip wins.
type ResultStore struct {
	db      *sql.DB
	dialect string
}

// NewResultStore wraps an already-migrated *sql.DB as a ResultStore.
func NewResultStore(db *sql.DB, dialect string) *ResultStore {
	return &ResultStore{db: db, dialect: dialect}
}

// StoreBatch upserts every record in one transaction. SQLite and
// PostgreSQL both understand the same ON CONFLICT upsert syntax; only the
// placeholder style differs between them.
func (s *ResultStore) StoreBatch(ctx context.Context, records []types.PTRRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin result batch transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, rebind(s.dialect,
		`INSERT INTO ptrrecords (ip, ptr) VALUES (?, ?)
		 ON CONFLICT (ip) DO UPDATE SET ptr = excluded.ptr`))
	if err != nil {
		return fmt.Errorf("prepare result upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, int64(r.IP), r.PTR); err != nil {
			return fmt.Errorf("upsert result for ip %d: %w", r.IP, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit result batch: %w", err)
	}
	return nil
}

// Lookup returns the stored ptr text for ip, or sql.ErrNoRows if absent.
func (s *ResultStore) Lookup(ctx context.Context, ip uint32) (string, error) {
	var ptr string
	err := s.db.QueryRowContext(ctx, rebind(s.dialect, `SELECT ptr FROM ptrrecords WHERE ip = ?`), int64(ip)).Scan(&ptr)
	if err != nil {
		return "", err
	}
	return ptr, nil
}

// Count returns the total number of rows in the ptrrecords table.
func (s *ResultStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ptrrecords`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}
