package errors

import (
	"errors"
	"fmt"
)

// Severity tags an index pipeline error at the point it is raised.
type Severity int

const (
	// SeverityCritical aborts the build: the transaction is rolled back, the
	// role is marked as failed and its tables are dropped.
	SeverityCritical Severity = iota
	// SeverityNonCritical is recorded once per type and the build continues.
	SeverityNonCritical
)

func (s Severity) String() string {
	if s == SeverityNonCritical {
		return "non-critical"
	}
	return "critical"
}

// Well-known error types used as deduplication keys in the status record.
const (
	TypeDocumentMissing = "document_missing"
	TypeLockTimeout     = "lock_timeout"
	TypeInvalidText     = "invalid_text"
	TypeDatastore       = "datastore"
	TypeSource          = "source"
	TypeStalled         = "stalled"
	TypeInternal        = "internal"
)

// IndexError is an error raised inside the build pipeline.
type IndexError struct {
	Type     string
	Severity Severity
	Err      error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Type, e.Severity, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// Critical wraps err as a critical pipeline failure.
func Critical(errType string, err error) error {
	if err == nil {
		return nil
	}
	return &IndexError{Type: errType, Severity: SeverityCritical, Err: err}
}

// NonCritical wraps err as a benign failure the build can continue past.
func NonCritical(errType string, err error) error {
	if err == nil {
		return nil
	}
	return &IndexError{Type: errType, Severity: SeverityNonCritical, Err: err}
}

// IsCritical reports whether err must abort the build. Untagged errors are
// critical.
func IsCritical(err error) bool {
	if err == nil {
		return false
	}
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Severity == SeverityCritical
	}
	return true
}

// TypeOf returns the pipeline error type, or TypeInternal for untagged errors.
func TypeOf(err error) string {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Type
	}
	return TypeInternal
}
