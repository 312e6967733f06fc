package engine

import (
	"context"
	"time"

	"github.com/brightears/bmasia-crm-sub004/models"
)

// EnrollmentFilter narrows enrollment listings.
type EnrollmentFilter struct {
	SequenceID uint
	ContactID  uint
	Statuses   []models.EnrollmentStatus
	Page       int
	Limit      int
}

// Store is the engine's persistence boundary. Two implementations exist:
// GormStore for Postgres and MemoryStore for tests and small deployments.
//
// Every conditional method (TransitionEnrollment, AdvanceEnrollment,
// ClaimExecution) must be atomic check-and-set, not read-modify-write, so
// that user actions and concurrent scheduler replicas resolve to exactly
// one winner.
type Store interface {
	// Sequence definitions
	CreateSequence(ctx context.Context, seq *models.Sequence) error
	// GetSequence returns the sequence with its steps ordered by step_number.
	GetSequence(ctx context.Context, id uint) (*models.Sequence, error)
	ListSequences(ctx context.Context, userID uint) ([]models.Sequence, error)
	SetSequenceStatus(ctx context.Context, id uint, status models.SequenceStatus) error
	// CreateStep fails with ErrDuplicateStepNumber when the step number is
	// already taken within the sequence.
	CreateStep(ctx context.Context, step *models.SequenceStep) error
	SetStepActive(ctx context.Context, stepID uint, active bool) error
	IncrementStepSent(ctx context.Context, stepID uint) error
	AdjustActiveEnrollments(ctx context.Context, sequenceID uint, delta int) error
	// RecountSequence recomputes the denormalized counters from the
	// authoritative step and enrollment tables.
	RecountSequence(ctx context.Context, sequenceID uint) (*models.Sequence, error)

	// Enrollments
	// CreateEnrollment fails with ErrDuplicateEnrollment when a non-terminal
	// enrollment already exists for the (sequence, contact) pair.
	CreateEnrollment(ctx context.Context, e *models.SequenceEnrollment) error
	GetEnrollment(ctx context.Context, id uint) (*models.SequenceEnrollment, error)
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]models.SequenceEnrollment, int64, error)
	// TransitionEnrollment moves the enrollment to the target status only if
	// it is currently in one of the given states, returning
	// ErrInvalidTransition otherwise.
	TransitionEnrollment(ctx context.Context, id uint, from []models.EnrollmentStatus, to models.EnrollmentStatus, at time.Time) (*models.SequenceEnrollment, error)
	// SetEnrollmentReplied stamps the reply time used by stop-on-reply.
	SetEnrollmentReplied(ctx context.Context, id uint, at time.Time) error
	// AdvanceEnrollment moves current_step_number from fromStep to toStep
	// only while the enrollment is non-terminal and still at fromStep. A
	// pause landing after the send committed must not strand the
	// enrollment, so paused enrollments still advance; the materialized
	// next execution stays undispatchable until Resume. The false return
	// means a concurrent unenroll/completion won the race; on success the
	// enrollment's status at advance time is returned so callers can tell
	// whether an active run was completed.
	AdvanceEnrollment(ctx context.Context, id uint, fromStep, toStep int, complete bool, at time.Time) (models.EnrollmentStatus, bool, error)

	// Executions
	CreateExecution(ctx context.Context, x *models.SequenceStepExecution) error
	GetExecution(ctx context.Context, id uint) (*models.SequenceStepExecution, error)
	ExecutionsForEnrollment(ctx context.Context, enrollmentID uint) ([]models.SequenceStepExecution, error)
	// DueExecutions returns dispatchable executions whose scheduled_for has
	// passed and whose owning enrollment is active.
	DueExecutions(ctx context.Context, now time.Time, limit int) ([]models.SequenceStepExecution, error)
	// ClaimExecution atomically moves a dispatchable execution to claimed,
	// returning ErrClaimConflict when another worker got there first.
	ClaimExecution(ctx context.Context, id uint, workerID string, at time.Time) (*models.SequenceStepExecution, error)
	// ReleaseExecution puts a claimed execution back to scheduled untouched,
	// used when a claim raced a pause.
	ReleaseExecution(ctx context.Context, id uint) error
	MarkExecutionSent(ctx context.Context, id uint, sentAt time.Time, messageID string, attempt int) error
	RescheduleExecution(ctx context.Context, id uint, attempt int, errMsg string, retryAt time.Time) error
	FailExecution(ctx context.Context, id uint, attempt int, errMsg string) error
	SkipExecution(ctx context.Context, id uint) error
	// CancelOpenExecutions cancels every non-terminal execution of the
	// enrollment and reports how many rows it touched.
	CancelOpenExecutions(ctx context.Context, enrollmentID uint) (int64, error)
}
