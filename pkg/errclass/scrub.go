package errclass

import "regexp"

// scrubPattern is a compiled regex with its replacement text, following
// tarsy's pkg/masking/pattern.go CompiledPattern shape.
type scrubPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// scrubPatterns are the PHI shapes spec.md §4.5 requires be stripped from
// any error message before it can propagate: SSNs, dates, emails, phone
// numbers, medical record numbers, and capitalized two-word name patterns.
// Order matters — more specific patterns (MRN, SSN) run before the broad
// capitalized-name-pair pattern so a name embedded in an MRN isn't
// double-matched oddly.
var scrubPatterns = []scrubPattern{
	{
		name:        "ssn",
		regex:       regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`),
		replacement: "[SSN]",
	},
	{
		name:        "mrn",
		regex:       regexp.MustCompile(`(?i)\bMRN[:\s#-]*[A-Z0-9]{6,}\b`),
		replacement: "[MRN]",
	},
	{
		name:        "date_iso",
		regex:       regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		replacement: "[DATE]",
	},
	{
		name:        "date_us",
		regex:       regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
		replacement: "[DATE]",
	},
	{
		name:        "email",
		regex:       regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`),
		replacement: "[EMAIL]",
	},
	{
		name:        "phone",
		regex:       regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		replacement: "[PHONE]",
	},
	{
		name:        "name_pair",
		regex:       regexp.MustCompile(`\b[A-Z][a-z]+\s[A-Z][a-z]+\b`),
		replacement: "[NAME]",
	},
}

// Scrub replaces every recognized PHI shape in msg and truncates the result
// at maxMessageLen, per spec.md §4.5's "Messages are truncated at 500
// characters."
func Scrub(msg string) string {
	for _, p := range scrubPatterns {
		msg = p.regex.ReplaceAllString(msg, p.replacement)
	}
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	return msg
}
