package models

import (
	"errors"
	"fmt"
)

// Validation error codes surfaced to callers.
const (
	CodeMissingFeature = "missing_feature"
	CodeOutOfRange     = "out_of_range"
	CodeNotFinite      = "not_finite"
	CodeUnknownFeature = "unknown_feature"
	CodeRatioSum       = "ratio_sum"
)

// ValidationError rejects a raw feature mapping before any scoring happens.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid feature vector: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("invalid feature %q: %s: %s", e.Field, e.Code, e.Message)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, code, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ModelLoadError rejects a reload; the previous model set stays authoritative.
type ModelLoadError struct {
	ModelID string
	Path    string
	Err     error
}

func (e *ModelLoadError) Error() string {
	switch {
	case e.ModelID != "" && e.Path != "":
		return fmt.Sprintf("model %s (%s): %v", e.ModelID, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("artifact %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("model %s: %v", e.ModelID, e.Err)
	}
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// ErrNoModels signals that scoring ran against an empty model set. Requests
// fail open to an unknown verdict instead of surfacing this to callers.
var ErrNoModels = errors.New("no models loaded")

// ErrBudgetExceeded marks that the request-level latency budget ran out
// before every model answered.
var ErrBudgetExceeded = errors.New("detection budget exceeded")
