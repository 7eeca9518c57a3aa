package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrKeyReused is returned by CheckOrCreate when an existing row's request
// hash does not match the caller's body — the same key was reused for a
// different logical operation (spec.md §4.3, §8).
var ErrKeyReused = errors.New("idempotency: IDEMPOTENCY_KEY_REUSED")

// pendingGraceWindow is how long a PENDING row is treated as "the inserter
// itself" (returned as NEW) before later callers are asked to wait-and-retry.
const pendingGraceWindow = time.Second

// Outcome is the result of CheckOrCreate.
type Outcome struct {
	Status IdempotencyOutcomeStatus
	// RequestID is the id bound to this idempotency key, whether freshly
	// created (NEW) or already on record.
	RequestID string
	// CachedResponse is set for COMPLETED (the original PipelineOutput JSON).
	CachedResponse []byte
	// CachedError is set for FAILED.
	CachedError []byte
}

// IdempotencyOutcomeStatus is CheckOrCreate's result classification —
// distinct from models.IdempotencyStatus because NEW/PENDING-wait are
// call-outcome states, not row-persisted states.
type IdempotencyOutcomeStatus string

const (
	OutcomeNew       IdempotencyOutcomeStatus = "NEW"
	OutcomeCompleted IdempotencyOutcomeStatus = "COMPLETED"
	OutcomeFailed    IdempotencyOutcomeStatus = "FAILED"
	OutcomePending   IdempotencyOutcomeStatus = "PENDING"
)

// Store implements the Idempotency Store (spec.md §4.3) over Postgres.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// CheckOrCreate performs the atomic insert-with-on-conflict described in
// spec.md §4.3's outcome table. requestID is the id this caller would bind
// to the key if it turns out to be the one that creates the row.
func (s *Store) CheckOrCreate(ctx context.Context, key string, requestHash string, requestID string, expiresAt time.Time) (Outcome, error) {
	const query = `
		INSERT INTO idempotency_keys (key, request_hash, request_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, 'PENDING', now(), $4)
		ON CONFLICT (key) DO UPDATE SET key = idempotency_keys.key
		RETURNING key, request_hash, request_id, status, response, created_at, expires_at,
		          (xmax = 0) AS inserted`

	var row struct {
		models.IdempotencyRecord
		Inserted bool `db:"inserted"`
	}
	if err := s.db.GetContext(ctx, &row, query, key, requestHash, requestID, expiresAt); err != nil {
		return Outcome{}, fmt.Errorf("idempotency: check-or-create: %w", err)
	}

	if row.Inserted {
		return Outcome{Status: OutcomeNew, RequestID: requestID}, nil
	}

	if row.RequestHash != requestHash {
		return Outcome{}, ErrKeyReused
	}

	switch row.Status {
	case models.IdempotencyCompleted:
		return Outcome{Status: OutcomeCompleted, RequestID: row.RequestID, CachedResponse: row.Response}, nil
	case models.IdempotencyFailed:
		return Outcome{Status: OutcomeFailed, RequestID: row.RequestID, CachedError: row.Response}, nil
	case models.IdempotencyPending:
		if time.Since(row.CreatedAt) < pendingGraceWindow {
			return Outcome{Status: OutcomeNew, RequestID: row.RequestID}, nil
		}
		return Outcome{Status: OutcomePending, RequestID: row.RequestID}, nil
	default:
		return Outcome{}, fmt.Errorf("idempotency: unexpected status %q", row.Status)
	}
}

// Complete records a COMPLETED outcome with the cached response body.
func (s *Store) Complete(ctx context.Context, key, requestID string, response []byte) error {
	const query = `
		UPDATE idempotency_keys
		SET status = 'COMPLETED', response = $3
		WHERE key = $1 AND request_id = $2`
	_, err := s.db.ExecContext(ctx, query, key, requestID, response)
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Fail records a FAILED outcome with the cached error body.
func (s *Store) Fail(ctx context.Context, key, requestID string, errBody []byte) error {
	const query = `
		UPDATE idempotency_keys
		SET status = 'FAILED', response = $3
		WHERE key = $1 AND request_id = $2`
	_, err := s.db.ExecContext(ctx, query, key, requestID, errBody)
	if err != nil {
		return fmt.Errorf("idempotency: fail: %w", err)
	}
	return nil
}

// SweepExpired deletes rows past expires_at, returning the count removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("idempotency: sweep expired: %w", err)
	}
	return res.RowsAffected()
}

// StalePending returns keys stuck in PENDING past staleAfter, for operator
// alerting — it does not mutate them.
func (s *Store) StalePending(ctx context.Context, staleAfter time.Duration) ([]models.IdempotencyRecord, error) {
	var rows []models.IdempotencyRecord
	err := s.db.SelectContext(ctx, &rows,
		`SELECT key, request_hash, request_id, status, response, created_at, expires_at
		 FROM idempotency_keys
		 WHERE status = 'PENDING' AND created_at < $1
		 ORDER BY created_at ASC`,
		time.Now().Add(-staleAfter))
	if err != nil {
		return nil, fmt.Errorf("idempotency: stale pending: %w", err)
	}
	return rows, nil
}

// NewRequestID generates a fresh request id for a would-be NEW outcome.
func NewRequestID() string {
	return uuid.NewString()
}
