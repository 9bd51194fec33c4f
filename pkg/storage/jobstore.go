package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ptrsweep/ptrsweep/pkg/blockgen"
	"github.com/ptrsweep/ptrsweep/pkg/types"
)

// JobStore is the durable table of jobs: bulk insert at seed time, the two
// refill queries, per-job lifecycle updates, and watchdog recovery.
type JobStore struct {
	db      *sql.DB
	dialect string // goose dialect name: "sqlite3" or "postgres"
}

// NewJobStore wraps an already-migrated *sql.DB as a JobStore. dialect is
// the goose dialect name returned by Open, used to pick placeholder syntax.
func NewJobStore(db *sql.DB, dialect string) *JobStore {
	return &JobStore{db: db, dialect: dialect}
}

func (s *JobStore) q(query string) string {
	return rebind(s.dialect, query)
}

// Count returns the total number of rows in the jobs table.
func (s *JobStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// Reset deletes every row from the jobs table, for --newdb.
func (s *JobStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("reset jobs: %w", err)
	}
	return nil
}

// Seed drains blocks and inserts one job row per block, committing every
// commitBatch rows. A failure mid-seed rolls back the outstanding batch and
// returns the error; rows already committed in prior batches remain.
func (s *JobStore) Seed(ctx context.Context, blocks <-chan blockgen.Block, commitBatch int) error {
	insert := s.q(`INSERT INTO jobs (ipfrom, ipto) VALUES (?, ?)`)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("prepare seed insert: %w", err)
	}
	defer stmt.Close()

	pending := 0
	for b := range blocks {
		if _, err := stmt.ExecContext(ctx, int64(b.From), int64(b.To)); err != nil {
			return fmt.Errorf("insert job [%d,%d): %w", b.From, b.To, err)
		}
		pending++

		if pending >= commitBatch {
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit seed batch: %w", err)
			}
			tx, err = s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin seed transaction: %w", err)
			}
			defer tx.Rollback() //nolint:errcheck
			stmt, err = tx.PrepareContext(ctx, insert)
			if err != nil {
				return fmt.Errorf("prepare seed insert: %w", err)
			}
			defer stmt.Close()
			pending = 0
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit final seed batch: %w", err)
	}
	return nil
}

const jobColumns = `id, ipfrom, ipto, retrieved_at, started_at, completed_at, nameserver, nxdomain_count, error_count`

func scanJob(row interface{ Scan(...any) error }) (*types.Job, error) {
	var j types.Job
	var ipfrom, ipto int64
	var retrieved, started, completed sql.NullTime
	var nameserver sql.NullString
	var nxdomain, errcount sql.NullInt64

	if err := row.Scan(&j.ID, &ipfrom, &ipto, &retrieved, &started, &completed, &nameserver, &nxdomain, &errcount); err != nil {
		return nil, err
	}

	j.IPFrom = uint64(ipfrom)
	j.IPTo = uint64(ipto)
	if retrieved.Valid {
		j.RetrievedAt = &retrieved.Time
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	if nameserver.Valid {
		j.Nameserver = &nameserver.String
	}
	if nxdomain.Valid {
		n := int(nxdomain.Int64)
		j.NXDomainCount = &n
	}
	if errcount.Valid {
		n := int(errcount.Int64)
		j.ErrorCount = &n
	}
	return &j, nil
}

// FetchNew returns up to limit jobs that have been neither dispensed nor
// started, ordered by id so seeding order is preserved across refills.
func (s *JobStore) FetchNew(ctx context.Context, limit int) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+jobColumns+` FROM jobs WHERE started_at IS NULL AND retrieved_at IS NULL ORDER BY id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch new jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// FetchCompletedForRecycle returns up to limit completed jobs and clears
// their retrieved_at/started_at/completed_at in the same transaction (the
// nameserver and counts of the last run are kept), so the Job Store
// and the caller's in-memory queue agree that these jobs are NEW again.
func (s *JobStore) FetchCompletedForRecycle(ctx context.Context, limit int) ([]*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recycle transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		s.q(`SELECT `+jobColumns+` FROM jobs WHERE completed_at IS NOT NULL ORDER BY id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query completed jobs: %w", err)
	}
	jobs, err := scanJobRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	clear, err := tx.PrepareContext(ctx,
		s.q(`UPDATE jobs SET started_at = NULL, completed_at = NULL, retrieved_at = NULL WHERE id = ?`))
	if err != nil {
		return nil, fmt.Errorf("prepare recycle clear: %w", err)
	}
	defer clear.Close()

	for _, j := range jobs {
		if _, err := clear.ExecContext(ctx, j.ID); err != nil {
			return nil, fmt.Errorf("clear recycled job %d: %w", j.ID, err)
		}
		j.StartedAt = nil
		j.CompletedAt = nil
		j.RetrievedAt = nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recycle batch: %w", err)
	}
	return jobs, nil
}

func scanJobRows(rows *sql.Rows) ([]*types.Job, error) {
	var jobs []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// MarkRetrieved sets retrieved_at for a job dispensed out of the in-memory
// queue to a worker.
func (s *JobStore) MarkRetrieved(ctx context.Context, jobID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET retrieved_at = ? WHERE id = ?`), at, jobID)
	if err != nil {
		return fmt.Errorf("mark job %d retrieved: %w", jobID, err)
	}
	return nil
}

// MarkStarted sets started_at for a job a worker has begun iterating.
func (s *JobStore) MarkStarted(ctx context.Context, jobID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET started_at = ? WHERE id = ?`), at, jobID)
	if err != nil {
		return fmt.Errorf("mark job %d started: %w", jobID, err)
	}
	return nil
}

// Finish merges a worker-completed job back into the store. It is
// idempotent: replaying with identical fields yields the same row.
func (s *JobStore) Finish(ctx context.Context, job *types.Job) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE jobs SET completed_at = ?, nameserver = ?, nxdomain_count = ?, error_count = ? WHERE id = ?`),
		job.CompletedAt, job.Nameserver, job.NXDomainCount, job.ErrorCount, job.ID)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job %d: rows affected: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("finish job %d: %w", job.ID, ErrJobNotFound)
	}
	return nil
}

// FindNeglected returns jobs the watchdog considers abandoned: retrieved
// before cutoff but never completed.
func (s *JobStore) FindNeglected(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+jobColumns+` FROM jobs WHERE retrieved_at IS NOT NULL AND retrieved_at < ? AND completed_at IS NULL ORDER BY id`),
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("find neglected jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// Recover clears retrieved_at/started_at for the given neglected job ids so
// the next refill's new-job query picks them back up.
func (s *JobStore) Recover(ctx context.Context, jobIDs []int64) error {
	if len(jobIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recover transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.q(`UPDATE jobs SET retrieved_at = NULL, started_at = NULL WHERE id = ?`))
	if err != nil {
		return fmt.Errorf("prepare recover update: %w", err)
	}
	defer stmt.Close()

	for _, id := range jobIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("recover job %d: %w", id, err)
		}
	}
	return tx.Commit()
}
