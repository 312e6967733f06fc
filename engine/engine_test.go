package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brightears/bmasia-crm-sub004/models"
)

var testT0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeDirectory struct {
	contacts map[uint]*models.Contact
	err      error // when set, every lookup fails with it
}

func (f *fakeDirectory) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %d: %w", id, ErrContactNotFound)
	}
	return c, nil
}

func (f *fakeDirectory) FindContactByEmail(ctx context.Context, email string) (*models.Contact, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.contacts {
		if strings.EqualFold(c.Email, email) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("contact %s: %w", email, ErrContactNotFound)
}

type fakeRenderer struct {
	err error
}

func (f *fakeRenderer) Render(ctx context.Context, templateID uint, contact *models.Contact) (*RenderedEmail, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &RenderedEmail{
		Subject:  fmt.Sprintf("Template %d", templateID),
		HTMLBody: fmt.Sprintf("<p>Hello %s</p>", contact.FirstName),
	}, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	errs   []error // per-call outcomes; nil entries and calls past the end succeed
	calls  int
	sent   []string
	onSend func() // runs while the send is in flight
}

func (f *fakeTransport) Send(ctx context.Context, email *RenderedEmail, recipient string) (string, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	f.sent = append(f.sent, recipient)
	return fmt.Sprintf("msg-%d", f.calls), nil
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type testEngine struct {
	store      *MemoryStore
	enroller   *Enroller
	dispatcher *Dispatcher
	transport  *fakeTransport
	renderer   *fakeRenderer
	directory  *fakeDirectory
	clock      *fakeClock
	sequence   *models.Sequence
	contact    *models.Contact
}

// newTestEngine builds a three-step sequence (delays 0, 3 and 5 days) with
// one contact against the in-memory store.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	store := NewMemoryStore()
	clock := newFakeClock(testT0)
	ctx := context.Background()

	seq := &models.Sequence{Name: "onboarding", Status: models.SequenceStatusActive}
	require.NoError(t, store.CreateSequence(ctx, seq))
	for i, delay := range []int{0, 3, 5} {
		require.NoError(t, store.CreateStep(ctx, &models.SequenceStep{
			SequenceID: seq.ID,
			TemplateID: uint(i + 1),
			StepNumber: i + 1,
			DelayDays:  delay,
			IsActive:   true,
		}))
	}

	contact := &models.Contact{Email: "ada@example.com", FirstName: "Ada"}
	contact.ID = 7
	directory := &fakeDirectory{contacts: map[uint]*models.Contact{contact.ID: contact}}

	renderer := &fakeRenderer{}
	transport := &fakeTransport{}

	enroller := NewEnroller(store, directory, testLogger())
	enroller.now = clock.Now

	dispatcher := NewDispatcher(store, renderer, transport, directory, testLogger(), DispatcherConfig{
		MaxAttempts: 3,
		Backoff:     30 * time.Minute,
	})
	dispatcher.now = clock.Now

	return &testEngine{
		store:      store,
		enroller:   enroller,
		dispatcher: dispatcher,
		transport:  transport,
		renderer:   renderer,
		directory:  directory,
		clock:      clock,
		sequence:   seq,
		contact:    contact,
	}
}

// claimDue claims and returns the single due execution, failing the test
// when there is not exactly one.
func (te *testEngine) claimDue(t *testing.T) *models.SequenceStepExecution {
	t.Helper()
	ctx := context.Background()
	due, err := te.store.DueExecutions(ctx, te.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	claimed, err := te.store.ClaimExecution(ctx, due[0].ID, "test-worker", te.clock.Now())
	require.NoError(t, err)
	return claimed
}
