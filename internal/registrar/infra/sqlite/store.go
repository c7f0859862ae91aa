// Package sqlite stores registration jobs, their prepayment claims and
// leases in a local sqlite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/compose-network/company-registrar/internal/registrar/saga"
	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

// JobStore persists registration jobs. Indexed columns serve the queries;
// the full job is kept as a JSON payload.
type JobStore struct {
	db *sql.DB
}

// Open creates the database file and its directory if missing, and applies
// migrations.
func Open(path string) (*JobStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	// a single connection serialises writers from concurrent jobs
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate job store: %w", err)
	}

	return &JobStore{db: db}, nil
}

func (s *JobStore) Close() error {
	return s.db.Close()
}

// Save upserts the job and binds its prepayment transaction to it. A
// prepayment already bound to another job fails with saga.ErrPrepaymentClaimed.
func (s *JobStore) Save(ctx context.Context, job saga.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin saving job %s: %w", job.ID, err)
	}
	defer tx.Rollback()

	prepayment := prepaymentKey(job.Request.PrepaymentTx)
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO prepayment_claims (tx_hash, job_id, claimed_at) VALUES (?, ?, ?)`,
		prepayment, job.ID, job.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to claim prepayment of job %s: %w", job.ID, err)
	}
	var owner string
	if err := tx.QueryRowContext(ctx, `SELECT job_id FROM prepayment_claims WHERE tx_hash = ?`, prepayment).Scan(&owner); err != nil {
		return fmt.Errorf("failed to read prepayment claim of job %s: %w", job.ID, err)
	}
	if owner != job.ID {
		return fmt.Errorf("job %s: prepayment %s is bound to job %s: %w", job.ID, prepayment, owner, saga.ErrPrepaymentClaimed)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, requester, label, step, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			step = excluded.step,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		job.ID,
		requesterKey(job.Request.Requester),
		job.Request.Label,
		string(job.Step),
		string(job.Status),
		string(payload),
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job %s: %w", job.ID, err)
	}

	return nil
}

// Claim leases the job to owner until now+lease. It succeeds when the job is
// unclaimed, already held by owner, or its lease has run out.
func (s *JobStore) Claim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET claimed_by = ?, lease_until = ?
		WHERE id = ? AND (claimed_by IS NULL OR claimed_by = ? OR lease_until < ?)`,
		owner, now.Add(lease).UnixNano(), id, owner, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	return n == 1, nil
}

// Release drops owner's lease on the job. A lease held by someone else is
// left alone.
func (s *JobStore) Release(ctx context.Context, id, owner string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET claimed_by = NULL, lease_until = 0 WHERE id = ? AND claimed_by = ?`, id, owner); err != nil {
		return fmt.Errorf("failed to release job %s: %w", id, err)
	}
	return nil
}

// Migrations lists the schema migrations applied to the store.
func (s *JobStore) Migrations(ctx context.Context) ([]AppliedMigration, error) {
	return AppliedMigrations(ctx, s.db)
}

func (s *JobStore) Get(ctx context.Context, id string) (saga.Job, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Job{}, fmt.Errorf("job %s: %w", id, saga.ErrJobNotFound)
	}
	if err != nil {
		return saga.Job{}, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	return decode(payload)
}

func (s *JobStore) ListAll(ctx context.Context) ([]saga.Job, error) {
	return s.query(ctx, `SELECT payload FROM jobs ORDER BY created_at`)
}

// ListActive returns jobs that have not reached a terminal status.
func (s *JobStore) ListActive(ctx context.Context) ([]saga.Job, error) {
	return s.query(ctx, `SELECT payload FROM jobs WHERE status NOT IN (?, ?, ?) ORDER BY created_at`,
		string(saga.StatusCompleted), string(saga.StatusFailed), string(saga.StatusCancelled))
}

func (s *JobStore) ListByRequester(ctx context.Context, requester common.Address) ([]saga.Job, error) {
	return s.query(ctx, `SELECT payload FROM jobs WHERE requester = ? ORDER BY created_at`, requesterKey(requester))
}

// ListFinishedBefore returns terminal jobs last updated before cutoff.
func (s *JobStore) ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]saga.Job, error) {
	return s.query(ctx, `SELECT payload FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ? ORDER BY updated_at`,
		string(saga.StatusCompleted), string(saga.StatusFailed), string(saga.StatusCancelled), cutoff.UnixNano())
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) query(ctx context.Context, query string, args ...any) ([]saga.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []saga.Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job, err := decode(payload)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func decode(payload string) (saga.Job, error) {
	var job saga.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return saga.Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

func requesterKey(requester common.Address) string {
	return strings.ToLower(requester.Hex())
}

func prepaymentKey(tx common.Hash) string {
	return strings.ToLower(tx.Hex())
}
