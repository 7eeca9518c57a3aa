package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleSubmitGeneration enqueues a generation job and returns
// immediately — spec.md's control flow runs the DAG on a worker, not on
// this request. The orchestrator mints the durable request id once the
// job reaches a worker (it also owns the idempotency check), so this
// handler cannot hand the caller that id synchronously; callers instead
// poll/subscribe by visitId until the tracker shows an active request,
// then switch to polling/streaming by id. Enqueue's own dedup (keyed by
// idempotencyKey) still protects against a client submitting the same key
// twice before the first attempt is picked up.
func (s *Server) handleSubmitGeneration(c *gin.Context) {
	var input models.PipelineInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_BODY", "message": err.Error()})
		return
	}
	if input.VisitID == "" || input.IdempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "visitId and idempotencyKey are required"})
		return
	}
	if input.CorrelationID == "" {
		input.CorrelationID = uuid.NewString()
	}

	if existing, err := s.tracker.GetActiveByVisitID(c.Request.Context(), input.VisitID); err == nil && existing != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":     "REQUEST_ALREADY_ACTIVE",
			"requestId": existing.ID,
			"status":    existing.Status,
		})
		return
	}

	plaintext, err := json.Marshal(input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	encrypted, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}

	jobID, err := s.jobQueue.Enqueue(c.Request.Context(), "generation", encrypted, queue.DefaultJobOptions(input.IdempotencyKey))
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ENQUEUE_FAILED", "message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":         "queued",
		"jobId":          jobID,
		"visitId":        input.VisitID,
		"idempotencyKey": input.IdempotencyKey,
		"correlationId":  input.CorrelationID,
	})
}

type pdfImportRequest struct {
	FileKey       string `json:"fileKey" binding:"required"`
	CorrelationID string `json:"correlationId"`
}

// handleSubmitPDFImport enqueues a pdf-import job. The pdf-import pool
// writes its result under the job id itself (queue.PDFImportHandler calls
// ImportResultSink.StoreParseResult(jobID, ...)), so the job id returned
// here is also the id to poll with.
func (s *Server) handleSubmitPDFImport(c *gin.Context) {
	var req pdfImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_BODY", "message": err.Error()})
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	encrypted, err := s.cipher.Encrypt(payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}

	jobID := uuid.NewString()
	if _, err := s.jobQueue.Enqueue(c.Request.Context(), "pdf-import", encrypted, queue.DefaultJobOptions(jobID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ENQUEUE_FAILED", "message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "jobId": jobID, "correlationId": req.CorrelationID})
}

func (s *Server) handleGetRequest(c *gin.Context) {
	req, err := s.tracker.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "REQUEST_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, requestSummary(req))
}

func (s *Server) handleListByVisit(c *gin.Context) {
	rows, err := s.tracker.GetByVisitID(c.Request.Context(), c.Param("visitId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, summaries(rows))
}

func (s *Server) handleGetActiveByVisit(c *gin.Context) {
	req, err := s.tracker.GetActiveByVisitID(c.Request.Context(), c.Param("visitId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NO_ACTIVE_REQUEST"})
		return
	}
	c.JSON(http.StatusOK, requestSummary(req))
}

func (s *Server) handleListByUser(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.tracker.GetByUserID(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, summaries(rows))
}

// handleCancelRequest marks the tracked request FAILED with a CANCELLED
// code and best-effort signals the worker pools in case the job is running
// on this pod. Cross-pod cancellation (the job running on a different
// node) is not wired: the queue has no node-to-job routing table, only
// each pod's own in-memory registry of jobs it is actively running.
func (s *Server) handleCancelRequest(c *gin.Context) {
	id := c.Param("id")
	req, err := s.tracker.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "REQUEST_NOT_FOUND"})
		return
	}
	if req.Status != models.RequestPending && req.Status != models.RequestInProgress {
		c.JSON(http.StatusConflict, gin.H{"error": "REQUEST_NOT_CANCELLABLE", "status": req.Status})
		return
	}

	cancelled := s.generationPool.CancelJob(req.IdempotencyKey) || s.pdfImportPool.CancelJob(id)
	if err := s.tracker.Fail(c.Request.Context(), id,
		models.PipelineRequestError{Message: "cancelled by operator request", Code: "CANCELLED"},
		req.StagesCompleted); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling", "signalDelivered": cancelled})
}

// handleStreamProgress serves the progress bus as Server-Sent Events —
// one JSON-encoded ProgressEvent per line, terminated when the stream
// observes a terminal event, the subscriber's inactivity timeout elapses,
// or the client disconnects (ctx.Done()).
func (s *Server) handleStreamProgress(c *gin.Context) {
	id := c.Param("id")
	sub := s.progress.Subscribe(c.Request.Context(), id)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		event, ok, err := sub.Next(c.Request.Context())
		if err != nil || !ok {
			return false
		}
		payload, _ := json.Marshal(event)
		c.SSEvent("progress", string(payload))
		return true
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.tracker.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListDLQ(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.dlq.GetUnresolved(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

type resolveDLQRequest struct {
	Resolution models.DLQResolution `json:"resolution" binding:"required"`
}

func (s *Server) handleResolveDLQ(c *gin.Context) {
	var req resolveDLQRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_BODY"})
		return
	}
	if err := s.dlq.Resolve(c.Request.Context(), c.Param("id"), req.Resolution); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (s *Server) handleQueueHealth(c *gin.Context) {
	ctx := c.Request.Context()
	c.JSON(http.StatusOK, gin.H{
		"generation": s.generationPool.Health(ctx),
		"pdfImport":  s.pdfImportPool.Health(ctx),
	})
}

// requestSummary hides ciphertext columns from the wire response; callers
// that need decrypted input/result use a dedicated endpoint (not yet
// exposed here — spec.md names no such route, and PHI should leave this
// service deliberately, not as a side effect of a status poll).
type requestSummaryView struct {
	ID               string                       `json:"id"`
	VisitID          string                       `json:"visitId"`
	Status           models.RequestStatus         `json:"status"`
	StagesCompleted  models.StringArray           `json:"stagesCompleted"`
	DegradedServices models.StringArray           `json:"degradedServices"`
	Error            *models.PipelineRequestError `json:"error,omitempty"`
	StartedAt        *time.Time                   `json:"startedAt,omitempty"`
	CompletedAt      *time.Time                   `json:"completedAt,omitempty"`
	CreatedAt        time.Time                    `json:"createdAt"`
}

func requestSummary(r *models.PipelineRequest) requestSummaryView {
	return requestSummaryView{
		ID:               r.ID,
		VisitID:          r.VisitID,
		Status:           r.Status,
		StagesCompleted:  r.StagesCompleted,
		DegradedServices: r.DegradedServices,
		Error:            r.Error,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		CreatedAt:        r.CreatedAt,
	}
}

func summaries(rows []models.PipelineRequest) []requestSummaryView {
	out := make([]requestSummaryView, len(rows))
	for i, r := range rows {
		out[i] = requestSummary(&r)
	}
	return out
}
