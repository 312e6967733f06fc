package models

// SequenceStatus is the lifecycle state of a sequence definition.
type SequenceStatus string

const (
	SequenceStatusActive   SequenceStatus = "active"
	SequenceStatusPaused   SequenceStatus = "paused"
	SequenceStatusArchived SequenceStatus = "archived"
)

// AcceptsEnrollments reports whether new contacts may be enrolled. A paused
// sequence still accepts enrollments; dispatch simply waits until the
// schedule comes due. Archived sequences are closed for good.
func (s SequenceStatus) AcceptsEnrollments() bool {
	return s != SequenceStatusArchived
}

// EnrollmentStatus is the state of one contact's journey through a sequence.
type EnrollmentStatus string

const (
	EnrollmentStatusActive       EnrollmentStatus = "active"
	EnrollmentStatusPaused       EnrollmentStatus = "paused"
	EnrollmentStatusCompleted    EnrollmentStatus = "completed"
	EnrollmentStatusUnsubscribed EnrollmentStatus = "unsubscribed"
)

// IsTerminal reports whether the enrollment has reached a final state.
// Terminal enrollments never transition again and do not block the contact
// from being re-enrolled in the same sequence.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusUnsubscribed
}

// CanTransitionTo reports whether moving to the target state is legal.
func (s EnrollmentStatus) CanTransitionTo(target EnrollmentStatus) bool {
	switch s {
	case EnrollmentStatusActive:
		return target == EnrollmentStatusPaused ||
			target == EnrollmentStatusCompleted ||
			target == EnrollmentStatusUnsubscribed
	case EnrollmentStatusPaused:
		// A paused run still completes when its final step's send had
		// already committed before the pause landed.
		return target == EnrollmentStatusActive ||
			target == EnrollmentStatusCompleted ||
			target == EnrollmentStatusUnsubscribed
	default:
		return false
	}
}

// ExecutionStatus is the state of a single scheduled step send.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusScheduled ExecutionStatus = "scheduled"
	ExecutionStatusClaimed   ExecutionStatus = "claimed"
	ExecutionStatusSent      ExecutionStatus = "sent"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusSkipped   ExecutionStatus = "skipped"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsDispatchable reports whether a worker may claim the execution.
func (s ExecutionStatus) IsDispatchable() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusScheduled
}

// IsTerminal reports whether the execution will never be touched again.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSent, ExecutionStatusFailed, ExecutionStatusSkipped, ExecutionStatusCancelled:
		return true
	}
	return false
}
