package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brightears/bmasia-crm-sub004/models"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments. It holds the same atomicity contract as GormStore: every
// conditional transition happens under one lock acquisition.
type MemoryStore struct {
	mu sync.Mutex

	sequences   map[uint]*models.Sequence
	steps       map[uint]*models.SequenceStep
	enrollments map[uint]*models.SequenceEnrollment
	executions  map[uint]*models.SequenceStepExecution

	nextSequenceID   uint
	nextStepID       uint
	nextEnrollmentID uint
	nextExecutionID  uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sequences:   make(map[uint]*models.Sequence),
		steps:       make(map[uint]*models.SequenceStep),
		enrollments: make(map[uint]*models.SequenceEnrollment),
		executions:  make(map[uint]*models.SequenceStepExecution),
	}
}

func (s *MemoryStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSequenceID++
	seq.ID = s.nextSequenceID
	if seq.Status == "" {
		seq.Status = models.SequenceStatusActive
	}
	seq.CreatedAt = time.Now()
	cp := *seq
	cp.Steps = nil
	s.sequences[seq.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSequenceLocked(id)
}

func (s *MemoryStore) getSequenceLocked(id uint) (*models.Sequence, error) {
	seq, ok := s.sequences[id]
	if !ok {
		return nil, ErrSequenceNotFound
	}
	cp := *seq
	cp.Steps = s.stepsForLocked(id)
	return &cp, nil
}

func (s *MemoryStore) stepsForLocked(sequenceID uint) []models.SequenceStep {
	var steps []models.SequenceStep
	for _, st := range s.steps {
		if st.SequenceID == sequenceID {
			steps = append(steps, *st)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].StepNumber < steps[j].StepNumber
	})
	return steps
}

func (s *MemoryStore) ListSequences(ctx context.Context, userID uint) ([]models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Sequence
	for _, seq := range s.sequences {
		if userID != 0 && seq.UserID != userID {
			continue
		}
		out = append(out, *seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetSequenceStatus(ctx context.Context, id uint, status models.SequenceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.sequences[id]
	if !ok {
		return ErrSequenceNotFound
	}
	seq.Status = status
	return nil
}

func (s *MemoryStore) CreateStep(ctx context.Context, step *models.SequenceStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.sequences[step.SequenceID]
	if !ok {
		return ErrSequenceNotFound
	}
	for _, st := range s.steps {
		if st.SequenceID == step.SequenceID && st.StepNumber == step.StepNumber {
			return fmt.Errorf("step %d in sequence %d: %w", step.StepNumber, step.SequenceID, ErrDuplicateStepNumber)
		}
	}

	s.nextStepID++
	step.ID = s.nextStepID
	step.CreatedAt = time.Now()
	cp := *step
	s.steps[step.ID] = &cp
	seq.TotalSteps++
	return nil
}

func (s *MemoryStore) SetStepActive(ctx context.Context, stepID uint, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[stepID]
	if !ok {
		return ErrSequenceNotFound
	}
	st.IsActive = active
	return nil
}

func (s *MemoryStore) IncrementStepSent(ctx context.Context, stepID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[stepID]
	if !ok {
		return ErrSequenceNotFound
	}
	st.SentCount++
	return nil
}

func (s *MemoryStore) AdjustActiveEnrollments(ctx context.Context, sequenceID uint, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.sequences[sequenceID]
	if !ok {
		return ErrSequenceNotFound
	}
	seq.ActiveEnrollments += delta
	if seq.ActiveEnrollments < 0 {
		seq.ActiveEnrollments = 0
	}
	return nil
}

func (s *MemoryStore) RecountSequence(ctx context.Context, sequenceID uint) (*models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.sequences[sequenceID]
	if !ok {
		return nil, ErrSequenceNotFound
	}
	seq.TotalSteps = len(s.stepsForLocked(sequenceID))
	active := 0
	for _, e := range s.enrollments {
		if e.SequenceID == sequenceID && e.Status == models.EnrollmentStatusActive {
			active++
		}
	}
	seq.ActiveEnrollments = active
	cp := *seq
	return &cp, nil
}

func (s *MemoryStore) CreateEnrollment(ctx context.Context, e *models.SequenceEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.enrollments {
		if other.SequenceID == e.SequenceID && other.ContactID == e.ContactID && !other.Status.IsTerminal() {
			return fmt.Errorf("contact %d in sequence %d: %w", e.ContactID, e.SequenceID, ErrDuplicateEnrollment)
		}
	}

	s.nextEnrollmentID++
	e.ID = s.nextEnrollmentID
	e.CreatedAt = time.Now()
	cp := *e
	cp.Executions = nil
	s.enrollments[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEnrollment(ctx context.Context, id uint) (*models.SequenceEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]models.SequenceEnrollment, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.SequenceEnrollment
	for _, e := range s.enrollments {
		if filter.SequenceID != 0 && e.SequenceID != filter.SequenceID {
			continue
		}
		if filter.ContactID != 0 && e.ContactID != filter.ContactID {
			continue
		}
		if len(filter.Statuses) > 0 {
			found := false
			for _, st := range filter.Statuses {
				if e.Status == st {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		matched = append(matched, *e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].EnrolledAt.After(matched[j].EnrolledAt)
	})

	total := int64(len(matched))
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) TransitionEnrollment(ctx context.Context, id uint, from []models.EnrollmentStatus, to models.EnrollmentStatus, at time.Time) (*models.SequenceEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	inFrom := false
	for _, st := range from {
		if e.Status == st {
			inFrom = true
			break
		}
	}
	if !inFrom {
		return nil, ErrInvalidTransition
	}

	e.Status = to
	switch to {
	case models.EnrollmentStatusPaused:
		t := at
		e.PausedAt = &t
	case models.EnrollmentStatusActive:
		e.PausedAt = nil
	case models.EnrollmentStatusCompleted, models.EnrollmentStatusUnsubscribed:
		t := at
		e.CompletedAt = &t
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) SetEnrollmentReplied(ctx context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return ErrEnrollmentNotFound
	}
	if e.RepliedAt == nil {
		t := at
		e.RepliedAt = &t
	}
	return nil
}

func (s *MemoryStore) AdvanceEnrollment(ctx context.Context, id uint, fromStep, toStep int, complete bool, at time.Time) (models.EnrollmentStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[id]
	if !ok {
		return "", false, ErrEnrollmentNotFound
	}
	if e.Status.IsTerminal() || e.CurrentStepNumber != fromStep {
		return "", false, nil
	}
	prior := e.Status
	e.CurrentStepNumber = toStep
	if complete {
		e.Status = models.EnrollmentStatusCompleted
		t := at
		e.CompletedAt = &t
	}
	return prior, true, nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, x *models.SequenceStepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.executions {
		if other.EnrollmentID == x.EnrollmentID && other.StepID == x.StepID {
			return fmt.Errorf("execution for enrollment %d step %d already exists", x.EnrollmentID, x.StepID)
		}
	}

	s.nextExecutionID++
	x.ID = s.nextExecutionID
	x.CreatedAt = time.Now()
	if x.Status == "" {
		x.Status = models.ExecutionStatusPending
	}
	cp := *x
	s.executions[x.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id uint) (*models.SequenceStepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *x
	return &cp, nil
}

func (s *MemoryStore) ExecutionsForEnrollment(ctx context.Context, enrollmentID uint) ([]models.SequenceStepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.SequenceStepExecution
	for _, x := range s.executions {
		if x.EnrollmentID == enrollmentID {
			out = append(out, *x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (s *MemoryStore) DueExecutions(ctx context.Context, now time.Time, limit int) ([]models.SequenceStepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.SequenceStepExecution
	for _, x := range s.executions {
		if !x.Status.IsDispatchable() || x.ScheduledFor.After(now) {
			continue
		}
		e, ok := s.enrollments[x.EnrollmentID]
		if !ok || e.Status != models.EnrollmentStatusActive {
			continue
		}
		out = append(out, *x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimExecution(ctx context.Context, id uint, workerID string, at time.Time) (*models.SequenceStepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if !x.Status.IsDispatchable() {
		return nil, ErrClaimConflict
	}
	x.Status = models.ExecutionStatusClaimed
	x.ClaimedBy = workerID
	t := at
	x.ClaimedAt = &t
	cp := *x
	return &cp, nil
}

func (s *MemoryStore) ReleaseExecution(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if x.Status != models.ExecutionStatusClaimed {
		return nil
	}
	x.Status = models.ExecutionStatusScheduled
	x.ClaimedBy = ""
	x.ClaimedAt = nil
	return nil
}

func (s *MemoryStore) MarkExecutionSent(ctx context.Context, id uint, sentAt time.Time, messageID string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if x.Status != models.ExecutionStatusClaimed {
		return ErrExecutionNotClaimed
	}
	x.Status = models.ExecutionStatusSent
	t := sentAt
	x.SentAt = &t
	x.MessageID = messageID
	x.AttemptCount = attempt
	x.ErrorMessage = ""
	return nil
}

func (s *MemoryStore) RescheduleExecution(ctx context.Context, id uint, attempt int, errMsg string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if x.Status != models.ExecutionStatusClaimed {
		return nil
	}
	x.Status = models.ExecutionStatusScheduled
	x.ScheduledFor = retryAt
	x.AttemptCount = attempt
	x.ErrorMessage = errMsg
	x.ClaimedBy = ""
	x.ClaimedAt = nil
	return nil
}

func (s *MemoryStore) FailExecution(ctx context.Context, id uint, attempt int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if x.Status != models.ExecutionStatusClaimed {
		return nil
	}
	x.Status = models.ExecutionStatusFailed
	x.AttemptCount = attempt
	x.ErrorMessage = errMsg
	return nil
}

func (s *MemoryStore) SkipExecution(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	switch x.Status {
	case models.ExecutionStatusPending, models.ExecutionStatusScheduled, models.ExecutionStatusClaimed:
		x.Status = models.ExecutionStatusSkipped
	}
	return nil
}

func (s *MemoryStore) CancelOpenExecutions(ctx context.Context, enrollmentID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, x := range s.executions {
		if x.EnrollmentID != enrollmentID {
			continue
		}
		switch x.Status {
		case models.ExecutionStatusPending, models.ExecutionStatusScheduled, models.ExecutionStatusClaimed:
			x.Status = models.ExecutionStatusCancelled
			n++
		}
	}
	return n, nil
}
