package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightears/bmasia-crm-sub004/engine"
	"github.com/brightears/bmasia-crm-sub004/models"
)

type stubDirectory struct {
	contact *models.Contact
}

func (d *stubDirectory) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	if d.contact == nil || d.contact.ID != id {
		return nil, engine.ErrContactNotFound
	}
	return d.contact, nil
}

func (d *stubDirectory) FindContactByEmail(ctx context.Context, email string) (*models.Contact, error) {
	if d.contact == nil || d.contact.Email != email {
		return nil, engine.ErrContactNotFound
	}
	return d.contact, nil
}

type stubRenderer struct{}

func (stubRenderer) Render(ctx context.Context, templateID uint, contact *models.Contact) (*engine.RenderedEmail, error) {
	return &engine.RenderedEmail{Subject: "hi", HTMLBody: "<p>hi</p>"}, nil
}

type stubTransport struct {
	mu   sync.Mutex
	sent []string
}

func (t *stubTransport) Send(ctx context.Context, email *engine.RenderedEmail, recipient string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, recipient)
	return fmt.Sprintf("msg-%d", len(t.sent)), nil
}

func (t *stubTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type workerFixture struct {
	store     *engine.MemoryStore
	enroller  *engine.Enroller
	worker    *SchedulerWorker
	transport *stubTransport
	sequence  *models.Sequence
	contact   *models.Contact
}

// newWorkerFixture builds a one-step zero-delay sequence so the first
// execution is due the moment the contact is enrolled.
func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	ctx := context.Background()

	store := engine.NewMemoryStore()
	seq := &models.Sequence{Name: "welcome", Status: models.SequenceStatusActive}
	require.NoError(t, store.CreateSequence(ctx, seq))
	require.NoError(t, store.CreateStep(ctx, &models.SequenceStep{
		SequenceID: seq.ID,
		TemplateID: 1,
		StepNumber: 1,
		DelayDays:  0,
		IsActive:   true,
	}))

	contact := &models.Contact{Email: "grace@example.com", FirstName: "Grace"}
	contact.ID = 3
	directory := &stubDirectory{contact: contact}
	transport := &stubTransport{}

	enroller := engine.NewEnroller(store, directory, quietLogger())
	dispatcher := engine.NewDispatcher(store, stubRenderer{}, transport, directory, quietLogger(), engine.DispatcherConfig{})
	sw := NewSchedulerWorker(store, dispatcher, quietLogger(), time.Minute, 10)

	return &workerFixture{
		store:     store,
		enroller:  enroller,
		worker:    sw,
		transport: transport,
		sequence:  seq,
		contact:   contact,
	}
}

func TestTickDispatchesDueExecution(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()

	enrollment, err := fx.enroller.Enroll(ctx, fx.sequence.ID, fx.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)

	fx.worker.Tick(ctx)

	assert.Equal(t, 1, fx.transport.sentCount())

	execs, err := fx.store.ExecutionsForEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionStatusSent, execs[0].Status)
	assert.NotEmpty(t, execs[0].MessageID)

	// Single step, so the enrollment finishes after the first send.
	got, err := fx.store.GetEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, got.Status)
}

func TestTickSkipsPausedEnrollment(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()

	enrollment, err := fx.enroller.Enroll(ctx, fx.sequence.ID, fx.contact.ID, models.EnrollmentStatusActive, "")
	require.NoError(t, err)
	_, err = fx.enroller.Pause(ctx, enrollment.ID)
	require.NoError(t, err)

	fx.worker.Tick(ctx)
	assert.Zero(t, fx.transport.sentCount(), "paused enrollment must not be dispatched")

	_, err = fx.enroller.Resume(ctx, enrollment.ID)
	require.NoError(t, err)

	fx.worker.Tick(ctx)
	assert.Equal(t, 1, fx.transport.sentCount())
}

func TestTickIsIdempotentOnEmptyQueue(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()

	fx.worker.Tick(ctx)
	fx.worker.Tick(ctx)
	assert.Zero(t, fx.transport.sentCount())
}
