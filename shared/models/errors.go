package models

import "fmt"

// ValidationError reports a malformed request field. Validation errors are
// raised before any store access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
