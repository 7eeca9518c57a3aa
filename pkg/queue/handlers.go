package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/mlclient"
	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the generation
// pool needs. Declared here (rather than importing pkg/orchestrator's
// concrete type) so pkg/queue has no import-cycle risk if orchestrator ever
// needs queue-level types.
type Orchestrator interface {
	Process(ctx context.Context, input models.PipelineInput) (models.PipelineOutput, error)
}

// GenerationHandler adapts the orchestrator to JobHandler for the
// "generation" pool: each job's decrypted payload is the canonical JSON of
// a PipelineInput.
type GenerationHandler struct {
	orchestrator Orchestrator
}

// NewGenerationHandler builds a GenerationHandler.
func NewGenerationHandler(o Orchestrator) *GenerationHandler {
	return &GenerationHandler{orchestrator: o}
}

func (h *GenerationHandler) Handle(ctx context.Context, job DecodedJob) error {
	var input models.PipelineInput
	if err := json.Unmarshal(job.Plaintext, &input); err != nil {
		return fmt.Errorf("queue: generation job %s: decode payload: %w", job.ID, err)
	}
	_, err := h.orchestrator.Process(ctx, input)
	return err
}

// pdfImportPayload is the canonical JSON shape of a pdf-import job.
type pdfImportPayload struct {
	FileKey       string `json:"fileKey"`
	CorrelationID string `json:"correlationId"`
}

// ImportResultSink receives a completed PDF-import parse so a caller (the
// request tracker, an upload-status record) can persist it. Implemented
// outside pkg/queue.
type ImportResultSink interface {
	StoreParseResult(ctx context.Context, jobID string, result mlclient.ParseResponse) error
}

// PDFImportHandler adapts the mlclient PDF parser to JobHandler for the
// "pdf-import" pool: it runs the parse and hands the result to a sink
// rather than the orchestrator DAG, per spec.md §4.8's "invokes the
// orchestrator (or PDF parser)".
type PDFImportHandler struct {
	parser mlclient.PDFParser
	sink   ImportResultSink
}

// NewPDFImportHandler builds a PDFImportHandler.
func NewPDFImportHandler(parser mlclient.PDFParser, sink ImportResultSink) *PDFImportHandler {
	return &PDFImportHandler{parser: parser, sink: sink}
}

func (h *PDFImportHandler) Handle(ctx context.Context, job DecodedJob) error {
	var payload pdfImportPayload
	if err := json.Unmarshal(job.Plaintext, &payload); err != nil {
		return fmt.Errorf("queue: pdf-import job %s: decode payload: %w", job.ID, err)
	}
	result, err := h.parser.Parse(ctx, payload.FileKey)
	if err != nil {
		return fmt.Errorf("queue: pdf-import job %s: parse: %w", job.ID, err)
	}
	if h.sink != nil {
		if err := h.sink.StoreParseResult(ctx, job.ID, result); err != nil {
			return fmt.Errorf("queue: pdf-import job %s: store result: %w", job.ID, err)
		}
	}
	return nil
}
