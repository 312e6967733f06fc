package models

import (
	"time"

	"gorm.io/gorm"
)

// SequenceEnrollment represents one contact's run through one sequence
type SequenceEnrollment struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	ContactID  uint `gorm:"not null;index" json:"contact_id"`

	Status EnrollmentStatus `gorm:"not null;default:'active';index" json:"status"` // active, paused, completed, unsubscribed

	// CurrentStepNumber is the next step to execute. It only moves forward
	// and ends at total_steps+1 when the enrollment completes.
	CurrentStepNumber int `gorm:"not null;default:1" json:"current_step_number"`

	EnrolledAt  time.Time  `gorm:"not null" json:"enrolled_at"`
	PausedAt    *time.Time `json:"paused_at"`
	CompletedAt *time.Time `json:"completed_at"`
	RepliedAt   *time.Time `json:"replied_at"`
	Notes       string     `json:"notes"`

	// Relations
	Sequence   Sequence                `json:"-"`
	Executions []SequenceStepExecution `gorm:"foreignKey:EnrollmentID" json:"executions,omitempty"`
}

// SequenceStepExecution represents one step's attempted delivery for one
// enrollment. Exactly one row exists per (enrollment, step); rows are never
// deleted, only transitioned, so the delivery history stays auditable.
type SequenceStepExecution struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index;uniqueIndex:idx_enrollment_step" json:"enrollment_id"`
	StepID       uint `gorm:"not null;index;uniqueIndex:idx_enrollment_step" json:"step_id"`

	// StepNumber is denormalized from the step so due-execution queries and
	// history listings never need a join back to sequence_steps.
	StepNumber int `gorm:"not null" json:"step_number"`

	Status ExecutionStatus `gorm:"not null;default:'pending';index" json:"status"` // pending, scheduled, claimed, sent, failed, skipped, cancelled

	ScheduledFor time.Time  `gorm:"not null;index" json:"scheduled_for"`
	SentAt       *time.Time `json:"sent_at"`

	AttemptCount int    `gorm:"default:0" json:"attempt_count"`
	ErrorMessage string `json:"error_message"`

	// Claim bookkeeping for horizontally-scaled schedulers
	ClaimedBy string     `json:"claimed_by"`
	ClaimedAt *time.Time `json:"claimed_at"`

	MessageID string `json:"message_id"`

	// Relations
	Enrollment SequenceEnrollment `json:"-"`
	Step       SequenceStep       `json:"-"`
}
