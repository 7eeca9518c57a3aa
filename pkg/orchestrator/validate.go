package orchestrator

import (
	"fmt"
	"regexp"

	"github.com/Prism-Clinical/careplan-orchestrator/pkg/models"
)

// icd10Shape matches an ICD-10-shaped code: a letter, two digits, and an
// optional up-to-four-character decimal suffix (spec.md §3's "non-empty
// list of ICD-10-shaped strings" — shape only, not a real code registry).
var icd10Shape = regexp.MustCompile(`^[A-Z][0-9]{2}(\.[0-9A-Z]{1,4})?$`)

// validateInput implements spec.md §4.7 step 1's input-shape validation.
func validateInput(input models.PipelineInput) error {
	if input.VisitID == "" {
		return fmt.Errorf("visitId is required")
	}
	if input.PatientID == "" {
		return fmt.Errorf("patientId is required")
	}
	if len(input.ConditionCodes) == 0 {
		return fmt.Errorf("conditionCodes must be non-empty")
	}
	for _, code := range input.ConditionCodes {
		if !icd10Shape.MatchString(code) {
			return fmt.Errorf("conditionCodes contains malformed ICD-10 code %q", code)
		}
	}
	if input.IdempotencyKey == "" {
		return fmt.Errorf("idempotencyKey is required")
	}
	if input.CorrelationID == "" {
		return fmt.Errorf("correlationId is required")
	}
	if input.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}
