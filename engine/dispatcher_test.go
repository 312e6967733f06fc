package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightears/bmasia-crm-sub004/models"
)

func TestDispatchFullSequenceLifecycle(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	// Step 1, delay 0: due at enrollment time.
	exec1 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec1))

	got1, err := te.store.GetExecution(ctx, exec1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSent, got1.Status)
	require.NotNil(t, got1.SentAt)
	assert.Equal(t, 1, got1.AttemptCount)
	assert.NotEmpty(t, got1.MessageID)

	// Step 2 materialized at sent_at + 3 days.
	execs, err := te.store.ExecutionsForEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, got1.SentAt.AddDate(0, 0, 3), execs[1].ScheduledFor)

	// Not due yet.
	due, err := te.store.DueExecutions(ctx, te.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	te.clock.Advance(3 * 24 * time.Hour)
	exec2 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec2))

	// Step 3 at + 5 more days.
	te.clock.Advance(5 * 24 * time.Hour)
	exec3 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec3))

	final, err := te.store.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, final.Status)
	assert.Equal(t, 4, final.CurrentStepNumber)
	require.NotNil(t, final.CompletedAt)

	seq, err := te.store.GetSequence(ctx, te.sequence.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, seq.ActiveEnrollments)
	assert.Equal(t, 3, te.transport.calls)
}

func TestDispatchSkipsDeactivatedMiddleStep(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	// Deactivate step 2 before its execution is ever materialized.
	seq, err := te.store.GetSequence(ctx, te.sequence.ID)
	require.NoError(t, err)
	require.NoError(t, te.store.SetStepActive(ctx, seq.Steps[1].ID, false))

	exec1 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec1))

	// Enrollment jumped straight to step 3 and no row exists for step 2.
	got, err := te.store.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentStepNumber)

	execs, err := te.store.ExecutionsForEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, 1, execs[0].StepNumber)
	assert.Equal(t, 3, execs[1].StepNumber)
	assert.Equal(t, exec1.ID, execs[0].ID)

	sent, err := te.store.GetExecution(ctx, exec1.ID)
	require.NoError(t, err)
	assert.Equal(t, sent.SentAt.AddDate(0, 0, 5), execs[1].ScheduledFor)
}

func TestDispatchSkipsMaterializedThenDeactivatedStep(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	exec1 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec1))

	// Step 2's execution exists now; deactivate the step under it.
	seq, err := te.store.GetSequence(ctx, te.sequence.ID)
	require.NoError(t, err)
	require.NoError(t, te.store.SetStepActive(ctx, seq.Steps[1].ID, false))

	te.clock.Advance(3 * 24 * time.Hour)
	exec2 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec2))

	// The stale execution ends up skipped, never sent, and step 3 is next.
	got2, err := te.store.GetExecution(ctx, exec2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSkipped, got2.Status)
	assert.Nil(t, got2.SentAt)

	gotEnrollment, err := te.store.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, gotEnrollment.CurrentStepNumber)
	assert.Equal(t, 1, te.transport.calls)
}

func TestDispatchRetriesWithExponentialBackoff(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.transport.errs = []error{
		NewTransientTransportError(errors.New("smtp timeout")),
		NewTransientTransportError(errors.New("smtp timeout")),
		NewTransientTransportError(errors.New("smtp timeout")),
	}

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	// Attempt 1: rescheduled 30 minutes out.
	exec := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec))
	got, err := te.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "transient transport failure: smtp timeout", got.ErrorMessage)
	assert.Equal(t, te.clock.Now().Add(30*time.Minute), got.ScheduledFor)

	// Attempt 2: backoff doubles to 60 minutes.
	te.clock.Advance(31 * time.Minute)
	exec = te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec))
	got, err = te.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, te.clock.Now().Add(60*time.Minute), got.ScheduledFor)

	// Attempt 3: ceiling reached, the execution stays failed and visible
	// and the enrollment is frozen at its current step.
	te.clock.Advance(61 * time.Minute)
	exec = te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec))
	got, err = te.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)

	frozen, err := te.store.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, frozen.Status)
	assert.Equal(t, 1, frozen.CurrentStepNumber)

	// Nothing further materialized and nothing left to dispatch.
	execs, err := te.store.ExecutionsForEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestDispatchPermanentFailureFailsFast(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.transport.errs = []error{
		NewPermanentTransportError(errors.New("550 invalid address")),
	}

	_, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	exec := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec))

	got, err := te.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	// Permanent failures do not burn through the remaining budget.
	assert.Equal(t, 1, got.AttemptCount)
}

func TestDispatchRendererFailureIsRetried(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.renderer.err = errors.New("template parse error")

	_, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	exec := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec))

	got, err := te.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Zero(t, te.transport.calls)
}

func TestDispatchReleasesExecutionWhenPausedAfterClaim(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	exec := te.claimDue(t)
	// Pause lands between claim and dispatch.
	_, err = te.enroller.Pause(ctx, enrollment.ID)
	require.NoError(t, err)

	require.NoError(t, te.dispatcher.Dispatch(ctx, exec))

	got, err := te.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusScheduled, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Zero(t, te.transport.calls)
}

func TestDispatchCancelsExecutionWhenUnsubscribedAfterClaim(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	exec := te.claimDue(t)
	// Flip the enrollment terminal directly, simulating an unenroll whose
	// cancellation pass raced this claim.
	_, err = te.store.TransitionEnrollment(ctx, enrollment.ID,
		[]models.EnrollmentStatus{models.EnrollmentStatusActive},
		models.EnrollmentStatusUnsubscribed, te.clock.Now())
	require.NoError(t, err)

	require.NoError(t, te.dispatcher.Dispatch(ctx, exec))

	got, err := te.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, got.Status)
	assert.Zero(t, te.transport.calls)
}

func TestDispatchOptedOutContactFailsPermanently(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.contact.IsUnsubscribed = true

	_, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	exec := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec))

	got, err := te.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Zero(t, te.transport.calls)
}

func TestDispatchAdvancesWhenPauseLandsMidSend(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	// The pause arrives after the status recheck, while the send is on
	// the wire. The committed send must still advance the enrollment.
	te.transport.onSend = func() {
		_, err := te.enroller.Pause(ctx, enrollment.ID)
		require.NoError(t, err)
	}

	exec1 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec1))

	got, err := te.store.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPaused, got.Status)
	assert.Equal(t, 2, got.CurrentStepNumber)

	execs, err := te.store.ExecutionsForEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionStatusSent, execs[0].Status)
	require.NotNil(t, execs[0].SentAt)
	assert.Equal(t, execs[0].SentAt.AddDate(0, 0, 3), execs[1].ScheduledFor)

	// Step 2 waits out the pause.
	te.clock.Advance(3 * 24 * time.Hour)
	due, err := te.store.DueExecutions(ctx, te.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = te.enroller.Resume(ctx, enrollment.ID)
	require.NoError(t, err)
	due, err = te.store.DueExecutions(ctx, te.clock.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestDispatchCompletesWhenPauseLandsOnFinalStep(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	seq, err := te.store.GetSequence(ctx, te.sequence.ID)
	require.NoError(t, err)
	require.NoError(t, te.store.SetStepActive(ctx, seq.Steps[1].ID, false))
	require.NoError(t, te.store.SetStepActive(ctx, seq.Steps[2].ID, false))

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	te.transport.onSend = func() {
		_, err := te.enroller.Pause(ctx, enrollment.ID)
		require.NoError(t, err)
	}

	exec1 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec1))

	got, err := te.store.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	updated, err := te.store.GetSequence(ctx, te.sequence.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.ActiveEnrollments)
}

func TestDispatchRecordsAnomalyWhenUnenrollLandsMidSend(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	// Unenroll cancels the claimed row while the send is in flight; the
	// dispatcher must treat the lost claim as a logged anomaly, not an
	// error, and must not advance.
	te.transport.onSend = func() {
		_, err := te.enroller.Unenroll(ctx, enrollment.ID)
		require.NoError(t, err)
	}

	exec1 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec1))

	got, err := te.store.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusUnsubscribed, got.Status)
	assert.Equal(t, 1, got.CurrentStepNumber)

	execs, err := te.store.ExecutionsForEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionStatusCancelled, execs[0].Status)
}

func TestDispatchRetriesDirectoryOutage(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	enrollment, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	te.directory.err = errors.New("pq: connection reset by peer")
	exec1 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec1))

	// An outage is transient: rescheduled, not failed.
	got, err := te.store.GetExecution(ctx, exec1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, te.clock.Now().Add(30*time.Minute), got.ScheduledFor)

	te.directory.err = nil
	te.clock.Advance(30 * time.Minute)
	retry := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, retry))

	got, err = te.store.GetExecution(ctx, exec1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSent, got.Status)

	_, err = te.store.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
}

func TestDispatchMissingContactFailsPermanently(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	_, err := te.enroller.Enroll(ctx, te.sequence.ID, te.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	delete(te.directory.contacts, te.contact.ID)
	exec1 := te.claimDue(t)
	require.NoError(t, te.dispatcher.Dispatch(ctx, exec1))

	got, err := te.store.GetExecution(ctx, exec1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}
