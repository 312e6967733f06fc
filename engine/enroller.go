package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brightears/bmasia-crm-sub004/models"
)

// Enroller owns the user-facing enrollment operations: enroll, pause,
// resume, unenroll and progress. All status changes go through the store's
// conditional transitions so they race safely with the scheduler.
type Enroller struct {
	store     Store
	directory ContactDirectory
	logger    *logrus.Entry
	now       func() time.Time
}

func NewEnroller(store Store, directory ContactDirectory, logger *logrus.Entry) *Enroller {
	return &Enroller{
		store:     store,
		directory: directory,
		logger:    logger,
		now:       time.Now,
	}
}

// Enroll creates an enrollment for the contact and materializes the
// execution for the first active step. Archived sequences reject new
// enrollments; paused ones accept them.
func (e *Enroller) Enroll(ctx context.Context, sequenceID, contactID uint, initialStatus models.EnrollmentStatus, notes string) (*models.SequenceEnrollment, error) {
	if initialStatus == "" {
		initialStatus = models.EnrollmentStatusActive
	}
	if initialStatus != models.EnrollmentStatusActive && initialStatus != models.EnrollmentStatusPaused {
		return nil, fmt.Errorf("initial status %q: %w", initialStatus, ErrInvalidTransition)
	}

	seq, err := e.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if !seq.Status.AcceptsEnrollments() {
		return nil, fmt.Errorf("sequence %d: %w", sequenceID, ErrSequenceArchived)
	}

	if _, err := e.directory.GetContact(ctx, contactID); err != nil {
		return nil, err
	}

	now := e.now()
	first := firstActiveStep(seq.Steps)

	enrollment := &models.SequenceEnrollment{
		SequenceID:        sequenceID,
		ContactID:         contactID,
		Status:            initialStatus,
		CurrentStepNumber: 1,
		EnrolledAt:        now,
		Notes:             notes,
	}
	if first != nil {
		enrollment.CurrentStepNumber = first.StepNumber
	}

	if err := e.store.CreateEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}

	if first == nil {
		// Nothing to send. The enrollment completes immediately.
		done, err := e.store.TransitionEnrollment(ctx, enrollment.ID,
			[]models.EnrollmentStatus{models.EnrollmentStatusActive, models.EnrollmentStatusPaused},
			models.EnrollmentStatusCompleted, now)
		if err != nil {
			return nil, err
		}
		e.logger.WithField("enrollment_id", enrollment.ID).
			Warn("sequence has no active steps, enrollment completed immediately")
		return done, nil
	}

	execution := &models.SequenceStepExecution{
		EnrollmentID: enrollment.ID,
		StepID:       first.ID,
		StepNumber:   first.StepNumber,
		Status:       models.ExecutionStatusScheduled,
		ScheduledFor: now.AddDate(0, 0, first.DelayDays),
	}
	if err := e.store.CreateExecution(ctx, execution); err != nil {
		return nil, err
	}

	if initialStatus == models.EnrollmentStatusActive {
		if err := e.store.AdjustActiveEnrollments(ctx, sequenceID, 1); err != nil {
			e.logger.WithError(err).WithField("sequence_id", sequenceID).
				Warn("failed to bump active enrollment counter")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"sequence_id":   sequenceID,
		"contact_id":    contactID,
		"first_send_at": execution.ScheduledFor,
	}).Info("contact enrolled")

	return enrollment, nil
}

// Pause moves an active enrollment to paused. Outstanding executions stay
// in storage untouched; the scheduler re-checks enrollment status at claim
// and dispatch time, so nothing sends while paused.
func (e *Enroller) Pause(ctx context.Context, enrollmentID uint) (*models.SequenceEnrollment, error) {
	enrollment, err := e.store.TransitionEnrollment(ctx, enrollmentID,
		[]models.EnrollmentStatus{models.EnrollmentStatusActive},
		models.EnrollmentStatusPaused, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.store.AdjustActiveEnrollments(ctx, enrollment.SequenceID, -1); err != nil {
		e.logger.WithError(err).Warn("failed to drop active enrollment counter")
	}
	e.logger.WithField("enrollment_id", enrollmentID).Info("enrollment paused")
	return enrollment, nil
}

// Resume moves a paused enrollment back to active. Already-scheduled
// executions keep their scheduled_for: time spent paused counts against
// the delay.
func (e *Enroller) Resume(ctx context.Context, enrollmentID uint) (*models.SequenceEnrollment, error) {
	enrollment, err := e.store.TransitionEnrollment(ctx, enrollmentID,
		[]models.EnrollmentStatus{models.EnrollmentStatusPaused},
		models.EnrollmentStatusActive, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.store.AdjustActiveEnrollments(ctx, enrollment.SequenceID, 1); err != nil {
		e.logger.WithError(err).Warn("failed to bump active enrollment counter")
	}
	e.logger.WithField("enrollment_id", enrollmentID).Info("enrollment resumed")
	return enrollment, nil
}

// Unenroll moves the enrollment to unsubscribed and cancels its open
// executions. Repeated calls after the first are a no-op returning the
// terminal state. Unenrolling a completed enrollment is an error.
func (e *Enroller) Unenroll(ctx context.Context, enrollmentID uint) (*models.SequenceEnrollment, error) {
	current, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.EnrollmentStatusUnsubscribed {
		return current, nil
	}
	if current.Status == models.EnrollmentStatusCompleted {
		return nil, fmt.Errorf("enrollment %d already completed: %w", enrollmentID, ErrInvalidTransition)
	}

	wasActive := current.Status == models.EnrollmentStatusActive

	enrollment, err := e.store.TransitionEnrollment(ctx, enrollmentID,
		[]models.EnrollmentStatus{models.EnrollmentStatusActive, models.EnrollmentStatusPaused},
		models.EnrollmentStatusUnsubscribed, e.now())
	if err != nil {
		// The enrollment may have reached a terminal state since we read it.
		latest, getErr := e.store.GetEnrollment(ctx, enrollmentID)
		if getErr == nil && latest.Status == models.EnrollmentStatusUnsubscribed {
			return latest, nil
		}
		return nil, err
	}

	cancelled, err := e.store.CancelOpenExecutions(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if wasActive {
		if err := e.store.AdjustActiveEnrollments(ctx, enrollment.SequenceID, -1); err != nil {
			e.logger.WithError(err).Warn("failed to drop active enrollment counter")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"enrollment_id":        enrollmentID,
		"cancelled_executions": cancelled,
	}).Info("contact unenrolled")

	return enrollment, nil
}

// ProgressReport is the read-only progress view the CRUD layer renders.
type ProgressReport struct {
	EnrollmentID         uint                    `json:"enrollment_id"`
	SequenceID           uint                    `json:"sequence_id"`
	ContactID            uint                    `json:"contact_id"`
	Status               models.EnrollmentStatus `json:"status"`
	CurrentStepNumber    int                     `json:"current_step_number"`
	TotalActiveSteps     int                     `json:"total_active_steps"`
	CompletedActiveSteps int                     `json:"completed_active_steps"`
	Percent              float64                 `json:"percent"`
}

// Progress computes completion against currently-active steps only, so
// deactivating a future step never makes an in-flight enrollment regress.
func (e *Enroller) Progress(ctx context.Context, enrollmentID uint) (*ProgressReport, error) {
	enrollment, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	seq, err := e.store.GetSequence(ctx, enrollment.SequenceID)
	if err != nil {
		return nil, err
	}

	totalActive := 0
	completed := 0
	for _, step := range seq.Steps {
		if !step.IsActive {
			continue
		}
		totalActive++
		if step.StepNumber < enrollment.CurrentStepNumber {
			completed++
		}
	}

	report := &ProgressReport{
		EnrollmentID:         enrollment.ID,
		SequenceID:           enrollment.SequenceID,
		ContactID:            enrollment.ContactID,
		Status:               enrollment.Status,
		CurrentStepNumber:    enrollment.CurrentStepNumber,
		TotalActiveSteps:     totalActive,
		CompletedActiveSteps: completed,
	}
	switch {
	case enrollment.Status == models.EnrollmentStatusCompleted:
		report.Percent = 100
	case totalActive > 0:
		report.Percent = 100 * float64(completed) / float64(totalActive)
	}
	return report, nil
}

// MarkReplied records a reply from the contact and unenrolls them, the
// stop-on-reply policy applied by the reply worker.
func (e *Enroller) MarkReplied(ctx context.Context, enrollmentID uint, repliedAt time.Time) (*models.SequenceEnrollment, error) {
	if err := e.store.SetEnrollmentReplied(ctx, enrollmentID, repliedAt); err != nil {
		return nil, err
	}
	return e.Unenroll(ctx, enrollmentID)
}

// firstActiveStep returns the lowest-numbered active step, or nil.
// Steps are expected in step_number order, as GetSequence returns them.
func firstActiveStep(steps []models.SequenceStep) *models.SequenceStep {
	for i := range steps {
		if steps[i].IsActive {
			return &steps[i]
		}
	}
	return nil
}

// nextActiveStepAfter returns the lowest-numbered active step strictly
// after n, or nil when the sequence is exhausted.
func nextActiveStepAfter(steps []models.SequenceStep, n int) *models.SequenceStep {
	for i := range steps {
		if steps[i].StepNumber > n && steps[i].IsActive {
			return &steps[i]
		}
	}
	return nil
}
