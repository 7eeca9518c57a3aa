package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// StringArray is a []string column backed by a Postgres TEXT[], scanned and
// written via lib/pq's array wire format.
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	return pq.Array([]string(a)).Value()
}

func (a *StringArray) Scan(src any) error {
	return pq.Array((*[]string)(a)).Scan(src)
}

// PipelineRequestError is the sanitized error recorded against a FAILED
// PipelineRequest (invariant 1 of spec.md §3: FAILED implies non-null error).
type PipelineRequestError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Value implements driver.Valuer, encoding the error as a JSONB column.
func (e PipelineRequestError) Value() (driver.Value, error) {
	return json.Marshal(e)
}

// Scan implements sql.Scanner for the JSONB error column.
func (e *PipelineRequestError) Scan(src any) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("PipelineRequestError.Scan: unsupported type %T", src)
	}
	return json.Unmarshal(b, e)
}

// PipelineRequest is the persisted row backing the pipeline_requests table
// (spec.md §6). InputEncrypted/ResultEncrypted hold authenticated-encryption
// ciphertext whose plaintext is PHI; see pkg/crypto.
type PipelineRequest struct {
	ID                string                 `db:"id"`
	VisitID           string                 `db:"visit_id"`
	PatientID         string                 `db:"patient_id"`
	UserID            string                 `db:"user_id"`
	IdempotencyKey    string                 `db:"idempotency_key"`
	Status            RequestStatus          `db:"status"`
	InputEncrypted    []byte                 `db:"input_encrypted"`
	ResultEncrypted   []byte                 `db:"result_encrypted"`
	Error             *PipelineRequestError  `db:"error"`
	StagesCompleted   StringArray            `db:"stages_completed"`
	DegradedServices  StringArray            `db:"degraded_services"`
	StartedAt         *time.Time             `db:"started_at"`
	CompletedAt       *time.Time             `db:"completed_at"`
	CreatedAt         time.Time              `db:"created_at"`
	Version           int                    `db:"version"`
}

// IdempotencyRecord is the persisted row backing the idempotency_keys table.
type IdempotencyRecord struct {
	Key            string            `db:"key"`
	RequestHash    string            `db:"request_hash"`
	RequestID      string            `db:"request_id"`
	Status         IdempotencyStatus `db:"status"`
	Response       []byte            `db:"response"` // cached PipelineOutput or PipelineRequestError JSON
	CreatedAt      time.Time         `db:"created_at"`
	ExpiresAt      time.Time         `db:"expires_at"`
}

// DLQEntry is the persisted row backing the dead_letter_queue table.
type DLQEntry struct {
	ID               string         `db:"id"`
	JobType          string         `db:"job_type"`
	JobID            string         `db:"job_id"`
	PayloadEncrypted []byte         `db:"payload_encrypted"`
	ErrorMessage     string         `db:"error_message"`
	ErrorStack       *string        `db:"error_stack"`
	Attempts         int            `db:"attempts"`
	FirstFailedAt    time.Time      `db:"first_failed_at"`
	LastFailedAt     time.Time      `db:"last_failed_at"`
	ResolvedAt       *time.Time     `db:"resolved_at"`
	Resolution       *DLQResolution `db:"resolution"`
}
