// Package errors holds the sentinel errors of the catalog engine, the
// severity tags of the index pipeline and their HTTP status mapping. It
// re-exports Is, As and Join so importing it as "errors" loses nothing.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid index state")
	ErrBuildInFlight   = errors.New("another build is being prepared")
	ErrCancelled       = errors.New("build cancelled")
	ErrUnknownKind     = errors.New("unknown index kind")
	ErrUnknownStemmer  = errors.New("unknown stemmer")
	ErrUnknownScorer   = errors.New("unknown scorer")
	ErrDocumentMissing = errors.New("document missing from source")
	ErrLockTimeout     = errors.New("lock wait timeout")
	ErrTableMissing    = errors.New("index table missing")
	ErrStalled         = errors.New("indexer stalled")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrInternal        = errors.New("internal error")
)

// statusBySentinel is checked in order; the first match wins.
var statusBySentinel = []struct {
	err  error
	code int
}{
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrUnknownKind, http.StatusBadRequest},
	{ErrUnknownScorer, http.StatusBadRequest},
	{ErrInvalidState, http.StatusConflict},
	{ErrBuildInFlight, http.StatusConflict},
	{ErrRateLimited, http.StatusTooManyRequests},
	{ErrLockTimeout, http.StatusServiceUnavailable},
}

// AppError pins an explicit status code and message on a sentinel.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{Err: sentinel, Message: message, StatusCode: statusCode}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return New(sentinel, statusCode, fmt.Sprintf(format, args...))
}

// HTTPStatusCode maps err to a response status: an AppError's own code, the
// code of a known sentinel in its chain, or 500.
func HTTPStatusCode(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return http.StatusInternalServerError
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func Join(errs ...error) error { return errors.Join(errs...) }
