// Package minimizer projects a full patient context into per-ML-service
// minimal payloads and asserts no PHI field survives the projection
// (spec.md §4.1). It follows the resolved-allow-list shape of tarsy's
// pkg/masking/pattern.go, but keyed on field names rather than regexes.
package minimizer

import "github.com/Prism-Clinical/careplan-orchestrator/pkg/models"

// phiFields enumerates every field name in the full patient context that
// identifies or describes a specific patient. Any of these present in a
// projected payload is a PHI_LEAK_DETECTED defect.
var phiFields = map[string]struct{}{
	"patientId":      {},
	"patientName":    {},
	"dateOfBirth":    {},
	"ssn":            {},
	"address":        {},
	"phoneNumber":    {},
	"email":          {},
	"transcriptText": {},
	"audioUrl":       {},
	"mrn":            {},
	"insuranceId":    {},
}

// allowedFields maps each ML service to the set of full-context field names
// it is permitted to receive. Anything not listed here is stripped during
// projection, regardless of whether it happens to be a PHI field.
var allowedFields = map[models.MLService]map[string]struct{}{
	models.ServiceAudioIntelligence: set("transcriptText", "visitId", "correlationId"),
	models.ServiceCareplanRecommender: set(
		"conditionCodes", "symptoms", "demographics", "preferredTemplateIds", "visitId", "correlationId",
	),
	models.ServiceRAGEmbeddings: set("conditionCodes", "symptoms", "visitId", "correlationId"),
	models.ServicePDFParser:     set("audioUrl", "visitId", "correlationId"),
}

func set(fields ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		m[f] = struct{}{}
	}
	return m
}

// IsPHIField reports whether name identifies a PHI-bearing field.
func IsPHIField(name string) bool {
	_, ok := phiFields[name]
	return ok
}
