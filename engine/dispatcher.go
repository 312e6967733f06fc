package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brightears/bmasia-crm-sub004/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 30 * time.Minute
)

// DispatcherConfig tunes the retry policy.
type DispatcherConfig struct {
	// MaxAttempts is the attempt ceiling for transient failures.
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// Dispatcher sends one claimed execution, records the outcome and advances
// the enrollment. It re-checks enrollment status before committing the
// send so a pause or unenroll racing the claim resolves deterministically.
type Dispatcher struct {
	store     Store
	renderer  TemplateRenderer
	transport EmailTransport
	directory ContactDirectory
	logger    *logrus.Entry
	cfg       DispatcherConfig
	now       func() time.Time
}

func NewDispatcher(store Store, renderer TemplateRenderer, transport EmailTransport, directory ContactDirectory, logger *logrus.Entry, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Dispatcher{
		store:     store,
		renderer:  renderer,
		transport: transport,
		directory: directory,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Dispatch processes one claimed execution end to end. Errors that belong
// to the execution (render/transport failures) are recorded on the row and
// not returned; only unexpected storage failures propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, exec *models.SequenceStepExecution) error {
	log := d.logger.WithFields(logrus.Fields{
		"execution_id":  exec.ID,
		"enrollment_id": exec.EnrollmentID,
		"step_number":   exec.StepNumber,
	})

	enrollment, err := d.store.GetEnrollment(ctx, exec.EnrollmentID)
	if err != nil {
		return err
	}

	// Claim-time recheck: the enrollment may have changed since the due query.
	switch enrollment.Status {
	case models.EnrollmentStatusActive:
		// proceed
	case models.EnrollmentStatusPaused:
		log.Info("enrollment paused after claim, releasing execution")
		return d.store.ReleaseExecution(ctx, exec.ID)
	default:
		log.WithField("status", enrollment.Status).
			Info("enrollment terminal after claim, cancelling execution")
		_, err := d.store.CancelOpenExecutions(ctx, exec.EnrollmentID)
		return err
	}

	seq, err := d.store.GetSequence(ctx, enrollment.SequenceID)
	if err != nil {
		return err
	}
	step := stepByID(seq.Steps, exec.StepID)
	if step == nil {
		return d.store.FailExecution(ctx, exec.ID, exec.AttemptCount,
			fmt.Sprintf("step %d no longer exists", exec.StepID))
	}

	// The step may have been deactivated after this execution was
	// materialized. Skip it and move on without sending.
	if !step.IsActive {
		log.Info("step deactivated, skipping execution")
		if err := d.store.SkipExecution(ctx, exec.ID); err != nil {
			return err
		}
		return d.advance(ctx, enrollment, seq, step, d.now(), log)
	}

	attempt := exec.AttemptCount + 1

	contact, err := d.directory.GetContact(ctx, enrollment.ContactID)
	if err != nil {
		// A missing contact will never resolve; a directory outage will.
		if errors.Is(err, ErrContactNotFound) {
			return d.recordFailure(ctx, exec, attempt, NewPermanentTransportError(err), log)
		}
		return d.recordFailure(ctx, exec, attempt, NewTransientTransportError(err), log)
	}
	if contact.IsUnsubscribed || contact.IsDoNotContact {
		return d.recordFailure(ctx, exec, attempt,
			NewPermanentTransportError(fmt.Errorf("contact %d opted out", contact.ID)), log)
	}

	rendered, err := d.renderer.Render(ctx, step.TemplateID, contact)
	if err != nil {
		// Renderer failures follow the transport retry policy.
		return d.recordFailure(ctx, exec, attempt, NewTransientTransportError(err), log)
	}

	messageID, err := d.transport.Send(ctx, rendered, contact.Email)
	if err != nil {
		return d.recordFailure(ctx, exec, attempt, err, log)
	}
	if messageID == "" {
		messageID = uuid.New().String()
	}

	sentAt := d.now()
	if err := d.store.MarkExecutionSent(ctx, exec.ID, sentAt, messageID, attempt); err != nil {
		if errors.Is(err, ErrExecutionNotClaimed) {
			// An unenroll cancelled the row while the send was in flight.
			// The email went out; record the anomaly and stop here.
			log.WithField("message_id", messageID).
				Warn("execution cancelled during send, outcome not recorded")
			return nil
		}
		return err
	}
	if err := d.store.IncrementStepSent(ctx, step.ID); err != nil {
		log.WithError(err).Warn("failed to bump step sent counter")
	}
	log.WithField("message_id", messageID).Info("step sent")

	return d.advance(ctx, enrollment, seq, step, sentAt, log)
}

// advance moves the enrollment past the given step: it skips any stale
// executions of deactivated steps, materializes the next active step's
// execution, or completes the enrollment when none is left.
func (d *Dispatcher) advance(ctx context.Context, enrollment *models.SequenceEnrollment, seq *models.Sequence, step *models.SequenceStep, sentAt time.Time, log *logrus.Entry) error {
	next := nextActiveStepAfter(seq.Steps, step.StepNumber)

	// Executions materialized for steps that were deactivated afterwards
	// must end up skipped, never dispatched.
	execs, err := d.store.ExecutionsForEnrollment(ctx, enrollment.ID)
	if err != nil {
		return err
	}
	for i := range execs {
		x := &execs[i]
		if x.StepNumber <= step.StepNumber || !x.Status.IsDispatchable() {
			continue
		}
		if next != nil && x.StepNumber >= next.StepNumber {
			continue
		}
		if err := d.store.SkipExecution(ctx, x.ID); err != nil {
			return err
		}
	}

	if next == nil {
		toStep := lastStepNumber(seq.Steps) + 1
		prior, advanced, err := d.store.AdvanceEnrollment(ctx, enrollment.ID,
			enrollment.CurrentStepNumber, toStep, true, sentAt)
		if err != nil {
			return err
		}
		if !advanced {
			log.Warn("enrollment ended concurrently, send recorded but not completed")
			return nil
		}
		// A paused run already left the counter when Pause landed.
		if prior == models.EnrollmentStatusActive {
			if err := d.store.AdjustActiveEnrollments(ctx, enrollment.SequenceID, -1); err != nil {
				log.WithError(err).Warn("failed to drop active enrollment counter")
			}
		}
		log.Info("enrollment completed")
		return nil
	}

	_, advanced, err := d.store.AdvanceEnrollment(ctx, enrollment.ID,
		enrollment.CurrentStepNumber, next.StepNumber, false, sentAt)
	if err != nil {
		return err
	}
	if !advanced {
		// The send happened, so the sent transition stands; a concurrent
		// unenroll owns the enrollment now.
		log.Warn("enrollment ended concurrently, send recorded but not advanced")
		return nil
	}

	nextExec := &models.SequenceStepExecution{
		EnrollmentID: enrollment.ID,
		StepID:       next.ID,
		StepNumber:   next.StepNumber,
		Status:       models.ExecutionStatusScheduled,
		ScheduledFor: sentAt.AddDate(0, 0, next.DelayDays),
	}
	if err := d.store.CreateExecution(ctx, nextExec); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"next_step":    next.StepNumber,
		"scheduled_at": nextExec.ScheduledFor,
	}).Info("next step materialized")
	return nil
}

// recordFailure applies the retry policy: permanent failures and exhausted
// budgets leave the execution failed and the enrollment frozen; transient
// failures reschedule with exponential backoff.
func (d *Dispatcher) recordFailure(ctx context.Context, exec *models.SequenceStepExecution, attempt int, sendErr error, log *logrus.Entry) error {
	if IsPermanentFailure(sendErr) || attempt >= d.cfg.MaxAttempts {
		log.WithError(sendErr).WithField("attempt", attempt).
			Error("execution failed permanently, operator attention required")
		return d.store.FailExecution(ctx, exec.ID, attempt, sendErr.Error())
	}

	retryAt := d.now().Add(d.cfg.Backoff << (attempt - 1))
	log.WithError(sendErr).WithFields(logrus.Fields{
		"attempt":  attempt,
		"retry_at": retryAt,
	}).Warn("execution failed, retry scheduled")
	return d.store.RescheduleExecution(ctx, exec.ID, attempt, sendErr.Error(), retryAt)
}

func stepByID(steps []models.SequenceStep, id uint) *models.SequenceStep {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}

func lastStepNumber(steps []models.SequenceStep) int {
	n := 0
	for i := range steps {
		if steps[i].StepNumber > n {
			n = steps[i].StepNumber
		}
	}
	return n
}
