package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() support
var (
	ErrDuplicateEnrollment = errors.New("duplicate enrollment")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrSequenceArchived    = errors.New("sequence archived")
	ErrDuplicateStepNumber = errors.New("duplicate step number")
	ErrClaimConflict       = errors.New("execution already claimed")
	// ErrExecutionNotClaimed means an execution left the claimed state
	// under the dispatcher, typically cancelled by a racing unenroll.
	ErrExecutionNotClaimed = errors.New("execution no longer claimed")

	ErrSequenceNotFound   = errors.New("sequence not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrContactNotFound    = errors.New("contact not found")
	ErrTemplateNotFound   = errors.New("template not found")
)

// TransportError wraps a failure from the email transport (or the template
// renderer, which is treated the same way for retry purposes). Permanent
// failures, such as an invalid recipient address, are not retried.
type TransportError struct {
	Permanent bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent transport failure: %v", e.Err)
	}
	return fmt.Sprintf("transient transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewPermanentTransportError marks a failure as not worth retrying.
func NewPermanentTransportError(err error) *TransportError {
	return &TransportError{Permanent: true, Err: err}
}

// NewTransientTransportError marks a failure as retryable.
func NewTransientTransportError(err error) *TransportError {
	return &TransportError{Err: err}
}

// IsPermanentFailure reports whether err carries a permanent transport
// failure anywhere in its chain.
func IsPermanentFailure(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Permanent
	}
	return false
}
