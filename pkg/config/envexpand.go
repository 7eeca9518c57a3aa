package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in YAML content before
// parsing, following tarsy's pkg/config/envexpand.go. Missing variables
// expand to the empty string. Validate checks no string field, so a string
// setting left empty this way is not reported.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
