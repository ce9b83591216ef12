package compile

import "fmt"

// ErrNotFound is returned for unknown job IDs and unavailable artifacts.
var ErrNotFound = fmt.Errorf("resource not found")

// ValidationError reports a missing or empty required request field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}
