package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DispatchStatus enumerates the lifecycle of a send job as seen by the worker.
type DispatchStatus string

const (
	StatusProcessing DispatchStatus = "processing"
	StatusSent       DispatchStatus = "sent"
	StatusFailed     DispatchStatus = "failed"
)

// ErrNotFound is returned by Get for unknown job ids.
var ErrNotFound = errors.New("dispatch not found")

// Dispatch represents a row in the dispatches table.
type Dispatch struct {
	JobID        string         `json:"jobId"`
	Recipient    string         `json:"recipient"`
	Status       DispatchStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// DB is the subset of pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DispatchRepository wraps all SQL the worker uses for bookkeeping.
type DispatchRepository struct {
	db  DB
	now func() time.Time
}

// NewDispatchRepository constructs a repository.
func NewDispatchRepository(db DB) *DispatchRepository {
	return &DispatchRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// MarkProcessing upserts the job row and records the attempt number.
func (r *DispatchRepository) MarkProcessing(ctx context.Context, jobID, recipient string, attempt int) error {
	now := r.now()
	_, err := r.db.Exec(ctx, `
		INSERT INTO dispatches (job_id, recipient, status, attempts, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULL,$5,$5)
		ON CONFLICT (job_id) DO UPDATE
		SET status=EXCLUDED.status, attempts=EXCLUDED.attempts, error_message=NULL, updated_at=EXCLUDED.updated_at
	`, jobID, recipient, StatusProcessing, attempt, now)
	if err != nil {
		return fmt.Errorf("upsert dispatch: %w", err)
	}
	return nil
}

// MarkSent records a successful send.
func (r *DispatchRepository) MarkSent(ctx context.Context, jobID string) error {
	return r.updateStatus(ctx, jobID, StatusSent, nil)
}

// MarkFailed records a failed attempt and its error.
func (r *DispatchRepository) MarkFailed(ctx context.Context, jobID, msg string) error {
	return r.updateStatus(ctx, jobID, StatusFailed, &msg)
}

// Get returns the ledger row for a job.
func (r *DispatchRepository) Get(ctx context.Context, jobID string) (*Dispatch, error) {
	var (
		d        Dispatch
		errorMsg sql.NullString
	)
	row := r.db.QueryRow(ctx, `
		SELECT job_id, recipient, status, attempts, error_message, created_at, updated_at
		FROM dispatches WHERE job_id=$1
	`, jobID)
	if err := row.Scan(&d.JobID, &d.Recipient, &d.Status, &d.Attempts, &errorMsg, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select dispatch: %w", err)
	}
	if errorMsg.Valid {
		msg := errorMsg.String
		d.ErrorMessage = &msg
	}
	return &d, nil
}

func (r *DispatchRepository) updateStatus(ctx context.Context, jobID string, status DispatchStatus, errorMsg *string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE dispatches
		SET status=$1, error_message=$2, updated_at=$3
		WHERE job_id=$4
	`, status, errorMsg, r.now(), jobID)
	if err != nil {
		return fmt.Errorf("update dispatch: %w", err)
	}
	return nil
}
