// Package tracker implements the Request Tracker (spec.md §4.9): the
// pipeline_requests table that drives a request through PENDING ->
// IN_PROGRESS -> COMPLETED/FAILED/EXPIRED, plus the operator-facing read
// and housekeeping operations layered on top of it. It follows the
// jmoiron/sqlx repository shape pkg/idempotency.Store establishes.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/crypto"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/db"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/mlclient"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Tracker implements the Request Tracker collaborator over Postgres.
// InputEncrypted/ResultEncrypted columns hold ciphertext produced by cipher;
// GetDecryptedInput/GetDecryptedResult are the only operations that see
// plaintext PHI.
type Tracker struct {
	db     *sqlx.DB
	cipher *crypto.Cipher
}

func New(db *sqlx.DB, cipher *crypto.Cipher) *Tracker {
	return &Tracker{db: db, cipher: cipher}
}

// Create inserts a new PENDING request. req.InputEncrypted must already be
// ciphertext; callers encrypt before calling Create.
func (t *Tracker) Create(ctx context.Context, req models.PipelineRequest) error {
	const query = `
		INSERT INTO pipeline_requests
			(id, visit_id, patient_id, user_id, idempotency_key, status, input_encrypted, created_at)
		VALUES (:id, :visit_id, :patient_id, :user_id, :idempotency_key, :status, :input_encrypted, now())`
	if req.Status == "" {
		req.Status = models.RequestPending
	}
	if _, err := t.db.NamedExecContext(ctx, query, req); err != nil {
		return fmt.Errorf("tracker: create: %w", err)
	}
	return nil
}

// MarkInProgress transitions a PENDING request to IN_PROGRESS and stamps
// started_at, matching spec.md §4.9's updateStatus(id, status). The
// transition is optimistically locked at the request's initial version (0)
// so that two redelivered copies of the same at-least-once queue message
// cannot both win the PENDING -> IN_PROGRESS race; the loser sees
// db.ErrOptimisticLock.
func (t *Tracker) MarkInProgress(ctx context.Context, id string) error {
	err := db.WithOptimisticLock(ctx, t.db, "pipeline_requests", id, 0, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE pipeline_requests SET status = $2, started_at = now() WHERE id = $1`,
			id, models.RequestInProgress)
		return err
	})
	if err != nil {
		return fmt.Errorf("tracker: mark in progress %s: %w", id, err)
	}
	return nil
}

// UpdateStatus sets status and, when provided, the stages_completed array,
// without touching started_at/completed_at.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, status models.RequestStatus, stagesCompleted []string) error {
	const query = `
		UPDATE pipeline_requests
		SET status = $2, stages_completed = COALESCE($3, stages_completed)
		WHERE id = $1`
	var stages any
	if stagesCompleted != nil {
		stages = pq.Array(stagesCompleted)
	}
	_, err := t.db.ExecContext(ctx, query, id, status, stages)
	if err != nil {
		return fmt.Errorf("tracker: update status %s: %w", id, err)
	}
	return nil
}

// Complete records a COMPLETED outcome: the encrypted result, the stages
// that ran, and which ML services (if any) were degraded along the way.
func (t *Tracker) Complete(ctx context.Context, id string, resultEncrypted []byte, stagesCompleted, degradedServices []string) error {
	const query = `
		UPDATE pipeline_requests
		SET status = $2, result_encrypted = $3, stages_completed = $4, degraded_services = $5, completed_at = now()
		WHERE id = $1`
	_, err := t.db.ExecContext(ctx, query, id, models.RequestCompleted, resultEncrypted,
		pq.Array(stagesCompleted), pq.Array(degradedServices))
	if err != nil {
		return fmt.Errorf("tracker: complete %s: %w", id, err)
	}
	return nil
}

// Fail records a FAILED outcome (invariant 1 of spec.md §3: FAILED implies
// a non-null error).
func (t *Tracker) Fail(ctx context.Context, id string, errBody models.PipelineRequestError, stagesCompleted []string) error {
	const query = `
		UPDATE pipeline_requests
		SET status = $2, error = $3, stages_completed = $4, completed_at = now()
		WHERE id = $1`
	_, err := t.db.ExecContext(ctx, query, id, models.RequestFailed, errBody, pq.Array(stagesCompleted))
	if err != nil {
		return fmt.Errorf("tracker: fail %s: %w", id, err)
	}
	return nil
}

// GetByID returns the row as persisted, ciphertext columns included.
func (t *Tracker) GetByID(ctx context.Context, id string) (*models.PipelineRequest, error) {
	var req models.PipelineRequest
	err := t.db.GetContext(ctx, &req, `SELECT * FROM pipeline_requests WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("tracker: get by id %s: %w", id, err)
	}
	return &req, nil
}

// GetByVisitID returns every request ever run for a visit, most recent first.
func (t *Tracker) GetByVisitID(ctx context.Context, visitID string) ([]models.PipelineRequest, error) {
	var rows []models.PipelineRequest
	err := t.db.SelectContext(ctx, &rows,
		`SELECT * FROM pipeline_requests WHERE visit_id = $1 ORDER BY created_at DESC`, visitID)
	if err != nil {
		return nil, fmt.Errorf("tracker: get by visit %s: %w", visitID, err)
	}
	return rows, nil
}

// GetActiveByVisitID returns the visit's PENDING/IN_PROGRESS request, if
// any — used to enforce spec.md's one-active-run-per-visit expectation.
func (t *Tracker) GetActiveByVisitID(ctx context.Context, visitID string) (*models.PipelineRequest, error) {
	var req models.PipelineRequest
	err := t.db.GetContext(ctx, &req,
		`SELECT * FROM pipeline_requests
		 WHERE visit_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
		 ORDER BY created_at DESC LIMIT 1`, visitID)
	if err != nil {
		return nil, fmt.Errorf("tracker: get active by visit %s: %w", visitID, err)
	}
	return &req, nil
}

// GetByUserID returns a user's most recent requests, newest first.
func (t *Tracker) GetByUserID(ctx context.Context, userID string, limit int) ([]models.PipelineRequest, error) {
	var rows []models.PipelineRequest
	err := t.db.SelectContext(ctx, &rows,
		`SELECT * FROM pipeline_requests WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("tracker: get by user %s: %w", userID, err)
	}
	return rows, nil
}

// GetDecryptedInput fetches a request's input and decrypts it. The returned
// plaintext is PHI and must not be logged.
func (t *Tracker) GetDecryptedInput(ctx context.Context, id string) ([]byte, error) {
	var encrypted []byte
	err := t.db.GetContext(ctx, &encrypted, `SELECT input_encrypted FROM pipeline_requests WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("tracker: get decrypted input %s: %w", id, err)
	}
	plaintext, err := t.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("tracker: decrypt input %s: %w", id, err)
	}
	return plaintext, nil
}

// GetDecryptedResult fetches a request's result and decrypts it. Returns
// (nil, nil) if the request has no result yet (not completed, or failed).
func (t *Tracker) GetDecryptedResult(ctx context.Context, id string) ([]byte, error) {
	var encrypted []byte
	err := t.db.GetContext(ctx, &encrypted, `SELECT result_encrypted FROM pipeline_requests WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("tracker: get decrypted result %s: %w", id, err)
	}
	if len(encrypted) == 0 {
		return nil, nil
	}
	plaintext, err := t.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("tracker: decrypt result %s: %w", id, err)
	}
	return plaintext, nil
}

// ExpireStaleRequests marks PENDING/IN_PROGRESS requests older than
// maxAge as EXPIRED, returning how many were changed. Paired with the
// queue's own orphan recovery: this catches requests whose owning job was
// lost entirely (e.g. a crashed API node that never enqueued).
func (t *Tracker) ExpireStaleRequests(ctx context.Context, maxAge time.Duration) (int64, error) {
	const query = `
		UPDATE pipeline_requests
		SET status = $1, completed_at = now()
		WHERE status IN ('PENDING', 'IN_PROGRESS') AND created_at < $2`
	res, err := t.db.ExecContext(ctx, query, models.RequestExpired, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("tracker: expire stale requests: %w", err)
	}
	return res.RowsAffected()
}

// CleanOldRequests hard-deletes terminal requests older than maxAge.
func (t *Tracker) CleanOldRequests(ctx context.Context, maxAge time.Duration) (int64, error) {
	const query = `
		DELETE FROM pipeline_requests
		WHERE status IN ('COMPLETED', 'FAILED', 'EXPIRED') AND created_at < $1`
	res, err := t.db.ExecContext(ctx, query, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("tracker: clean old requests: %w", err)
	}
	return res.RowsAffected()
}

// StoreParseResult implements pkg/queue.ImportResultSink: it encrypts a
// completed PDF-import parse and records it as that request's result,
// mirroring the generation pool's own Complete call.
func (t *Tracker) StoreParseResult(ctx context.Context, jobID string, result mlclient.ParseResponse) error {
	plaintext, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("tracker: marshal parse result %s: %w", jobID, err)
	}
	encrypted, err := t.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("tracker: encrypt parse result %s: %w", jobID, err)
	}
	return t.Complete(ctx, jobID, encrypted, []string{"PDF_IMPORT"}, nil)
}

// Stats is a 24-hour rolling snapshot of request volume and outcomes.
type Stats struct {
	Pending               int64 `db:"pending"`
	InProgress            int64 `db:"in_progress"`
	Completed             int64 `db:"completed"`
	Failed                int64 `db:"failed"`
	Expired               int64 `db:"expired"`
	AvgCompletedDurationMs float64 `db:"avg_completed_duration_ms"`
}

// GetStats aggregates the last 24 hours of requests: per-status counters
// and the average wall-clock duration of completed runs.
func (t *Tracker) GetStats(ctx context.Context) (*Stats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING')     AS pending,
			COUNT(*) FILTER (WHERE status = 'IN_PROGRESS')  AS in_progress,
			COUNT(*) FILTER (WHERE status = 'COMPLETED')    AS completed,
			COUNT(*) FILTER (WHERE status = 'FAILED')       AS failed,
			COUNT(*) FILTER (WHERE status = 'EXPIRED')      AS expired,
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
				FILTER (WHERE status = 'COMPLETED' AND started_at IS NOT NULL), 0) AS avg_completed_duration_ms
		FROM pipeline_requests
		WHERE created_at > now() - interval '24 hours'`

	var stats Stats
	if err := t.db.GetContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("tracker: get stats: %w", err)
	}
	return &stats, nil
}
