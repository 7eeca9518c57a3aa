package minimizer

import (
	"fmt"
	"time"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// ErrPHILeakDetected is returned by Project's self-check when a disallowed
// PHI field survives projection — spec.md §4.1's contract violation.
var ErrPHILeakDetected = fmt.Errorf("minimizer: PHI_LEAK_DETECTED")

// maskPlaceholderMaxLen is the transcript-truncation length for
// MaskForLogging, per spec.md §4.1.
const maskPlaceholderMaxLen = 100

// permittedPHIPassthrough names, per service, the one or two PHI fields that
// service's own job requires it to receive (e.g. audio-intelligence must see
// transcriptText to extract entities from it; pdf-parser must see
// audioUrl/fileKey). Every other PHI field is disallowed for every service:
// the blanket "no PHI field name" contract in spec.md §4.1 binds on
// identifying fields (patientId, name, SSN, address, MRN, insurance ID),
// not on the literal content a service exists to process.
var permittedPHIPassthrough = map[models.MLService]map[string]struct{}{
	models.ServiceAudioIntelligence: set("transcriptText"),
	models.ServicePDFParser:         set("audioUrl"),
}

// Project builds the minimal payload for service from the full patient
// context, then self-checks the result before returning it.
func Project(service models.MLService, fullContext map[string]any) (map[string]any, error) {
	allowed, ok := allowedFields[service]
	if !ok {
		return nil, fmt.Errorf("minimizer: unknown service %q", service)
	}

	projected := make(map[string]any, len(allowed))
	for key, val := range fullContext {
		if _, ok := allowed[key]; ok {
			projected[key] = val
		}
	}

	if err := selfCheck(service, projected); err != nil {
		return nil, err
	}
	return projected, nil
}

// selfCheck asserts no disallowed PHI field name survived projection.
func selfCheck(service models.MLService, projected map[string]any) error {
	permitted := permittedPHIPassthrough[service]
	for key := range projected {
		if !IsPHIField(key) {
			continue
		}
		if _, ok := permitted[key]; ok {
			continue
		}
		return fmt.Errorf("%w: field %q leaked into %s payload", ErrPHILeakDetected, key, service)
	}
	return nil
}

// StripPHI removes every PHI field name from an arbitrary map, regardless of
// any service allow-list. Used for contexts that aren't bound to one
// specific ML service (e.g. building the audit log's data-sharing entry).
func StripPHI(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if IsPHIField(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// MaskForLogging replaces PHI field values with a length-only placeholder
// and truncates transcriptText at 100 characters, so operational logs never
// carry PHI content while still recording enough shape to debug with.
func MaskForLogging(fullContext map[string]any) map[string]any {
	masked := make(map[string]any, len(fullContext))
	for k, v := range fullContext {
		if !IsPHIField(k) {
			masked[k] = v
			continue
		}
		if k == "transcriptText" {
			masked[k] = maskTranscript(v)
			continue
		}
		masked[k] = placeholderFor(v)
	}
	return masked
}

func maskTranscript(v any) string {
	s, ok := v.(string)
	if !ok {
		return "<redacted>"
	}
	if len(s) <= maskPlaceholderMaxLen {
		return s
	}
	return fmt.Sprintf("%s... [truncated, %d chars total]", s[:maskPlaceholderMaxLen], len(s))
}

func placeholderFor(v any) string {
	s, ok := v.(string)
	if !ok {
		return "<redacted>"
	}
	return fmt.Sprintf("<redacted, %d chars>", len(s))
}

// AuditEntry is the record returned by BuildAuditEntry, matching the collaborator
// contract in spec.md §6 (logDataSharing entries).
type AuditEntry struct {
	Service       models.MLService `json:"service"`
	FieldNames    []string         `json:"fieldNames"`
	CorrelationID string           `json:"correlationId"`
	Timestamp     time.Time        `json:"timestamp"`
}

// BuildAuditEntry records which field names (never values) were shared with
// service for a given request.
func BuildAuditEntry(service models.MLService, payload map[string]any, correlationID string, now time.Time) AuditEntry {
	names := make([]string, 0, len(payload))
	for k := range payload {
		names = append(names, k)
	}
	return AuditEntry{
		Service:       service,
		FieldNames:    names,
		CorrelationID: correlationID,
		Timestamp:     now,
	}
}
