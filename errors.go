package conductor

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("conductor: no store configured")
	ErrStoreClosed     = errors.New("conductor: store closed")
	ErrMigrationFailed = errors.New("conductor: migration failed")

	// Not found errors.
	ErrJobNotFound   = errors.New("conductor: job not found")
	ErrBatchNotFound = errors.New("conductor: batch not found")
	ErrQuotaNotFound = errors.New("conductor: quota not found")

	// Conflict errors.
	ErrJobAlreadyExists   = errors.New("conductor: job already exists")
	ErrBatchAlreadyExists = errors.New("conductor: batch already exists")
	ErrAlreadyClaimed     = errors.New("conductor: job already claimed")
	ErrNotOwner           = errors.New("conductor: worker token does not own job")
	ErrVersionConflict    = errors.New("conductor: concurrent modification")

	// State errors.
	ErrInvalidState        = errors.New("conductor: invalid state transition")
	ErrAlreadyTerminal     = errors.New("conductor: already terminal")
	ErrProgressRegression  = errors.New("conductor: progress may not decrease")
	ErrMaxRetriesExceeded  = errors.New("conductor: max retries exceeded")
	ErrBatchRetryExhausted = errors.New("conductor: batch retry ceiling reached")

	// Admission errors.
	ErrValidation      = errors.New("conductor: validation failed")
	ErrAdmissionDenied = errors.New("conductor: admission denied")

	// Dispatch errors.
	ErrDispatchUnavailable = errors.New("conductor: dispatcher unavailable")
	ErrDispatcherClosed    = errors.New("conductor: dispatcher closed")
)

// ValidationError describes a rejected field in a submission or request.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError returns a *ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "conductor: validation failed: " + e.Reason
	}
	return fmt.Sprintf("conductor: validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// AdmissionError reports a submission rejected because the client is already
// at its concurrency quota.
type AdmissionError struct {
	ClientID string
	Current  int
	Limit    int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("conductor: admission denied for client %q: %d of %d slots in use",
		e.ClientID, e.Current, e.Limit)
}

// Unwrap lets errors.Is match ErrAdmissionDenied.
func (e *AdmissionError) Unwrap() error { return ErrAdmissionDenied }

// Kind is the transport-neutral class of an error.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAdmissionDenied Kind = "admission_denied"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

// KindOf classifies err. Conflicts include ownership, claim, state and
// progress-regression errors. A nil error has no kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrMaxRetriesExceeded),
		errors.Is(err, ErrBatchRetryExhausted):
		return KindValidation
	case errors.Is(err, ErrAdmissionDenied):
		return KindAdmissionDenied
	case errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrBatchNotFound),
		errors.Is(err, ErrQuotaNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, ErrProgressRegression),
		errors.Is(err, ErrJobAlreadyExists),
		errors.Is(err, ErrBatchAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrDispatchUnavailable),
		errors.Is(err, ErrDispatcherClosed),
		errors.Is(err, ErrStoreClosed):
		return KindUnavailable
	default:
		return KindInternal
	}
}
