package tracker

import (
	"context"
	"fmt"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DLQ implements the Dead Letter Queue repository (spec.md §4.9) over the
// dead_letter_queue table. It satisfies pkg/queue.DLQWriter so the worker
// pools can write terminally-failed jobs here directly.
type DLQ struct {
	db *sqlx.DB
}

func NewDLQ(db *sqlx.DB) *DLQ {
	return &DLQ{db: db}
}

// Add inserts a dead-letter entry and returns its generated id.
func (d *DLQ) Add(ctx context.Context, entry models.DLQEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO dead_letter_queue
			(id, job_type, job_id, payload_encrypted, error_message, error_stack, attempts, first_failed_at, last_failed_at)
		VALUES (:id, :job_type, :job_id, :payload_encrypted, :error_message, :error_stack, :attempts, :first_failed_at, :last_failed_at)`
	if _, err := d.db.NamedExecContext(ctx, query, entry); err != nil {
		return "", fmt.Errorf("tracker: dlq add %s: %w", entry.JobID, err)
	}
	return entry.ID, nil
}

// GetUnresolved returns the oldest unresolved entries, up to limit.
func (d *DLQ) GetUnresolved(ctx context.Context, limit int) ([]models.DLQEntry, error) {
	var rows []models.DLQEntry
	err := d.db.SelectContext(ctx, &rows,
		`SELECT * FROM dead_letter_queue WHERE resolved_at IS NULL ORDER BY last_failed_at ASC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("tracker: dlq get unresolved: %w", err)
	}
	return rows, nil
}

// Resolve marks an entry resolved with the operator's disposition.
func (d *DLQ) Resolve(ctx context.Context, id string, resolution models.DLQResolution) error {
	const query = `
		UPDATE dead_letter_queue
		SET resolved_at = now(), resolution = $2
		WHERE id = $1`
	_, err := d.db.ExecContext(ctx, query, id, resolution)
	if err != nil {
		return fmt.Errorf("tracker: dlq resolve %s: %w", id, err)
	}
	return nil
}

// Depth reports how many entries remain unresolved.
func (d *DLQ) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM dead_letter_queue WHERE resolved_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("tracker: dlq depth: %w", err)
	}
	return n, nil
}

// GetForRetry returns the encrypted payload for an entry an operator wants
// to requeue — the caller re-enqueues it and then calls Resolve(id, RETRIED).
func (d *DLQ) GetForRetry(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := d.db.GetContext(ctx, &payload, `SELECT payload_encrypted FROM dead_letter_queue WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("tracker: dlq get for retry %s: %w", id, err)
	}
	return payload, nil
}
