package models

import "gorm.io/gorm"

// Sequence represents an automated email drip sequence
type Sequence struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      SequenceStatus `gorm:"default:'active'" json:"status"` // active, paused, archived

	// Denormalized counters for display, recomputable from steps/enrollments
	TotalSteps        int `gorm:"default:0" json:"total_steps"`
	ActiveEnrollments int `gorm:"default:0" json:"active_enrollments"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep represents one node in a sequence: which template to send
// and how long to wait after the previous step
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_sequence_step_number" json:"sequence_id"`
	TemplateID uint `gorm:"not null;index" json:"template_id"`

	// StepNumber is 1-based and unique within a sequence. Gaps are tolerated:
	// "next step" means numeric order among active steps, never step_number+1.
	StepNumber int `gorm:"not null;uniqueIndex:idx_sequence_step_number" json:"step_number"`

	// DelayDays counts from the previous step's send; for step 1, from
	// enrollment time. 0 means immediately.
	DelayDays int `gorm:"not null" json:"delay_days"`

	// Inactive steps are skipped, not deleted, so historical executions
	// keep a valid step to point at.
	IsActive bool `gorm:"default:true" json:"is_active"`

	// Tracking
	SentCount int `gorm:"default:0" json:"sent_count"`

	// Relations
	Template Template `json:"-"`
}
