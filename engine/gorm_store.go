package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/brightears/bmasia-crm-sub004/models"
)

// GormStore is the Postgres-backed Store implementation. All conditional
// transitions use single conditional UPDATEs and check RowsAffected, so a
// lost race shows up as zero rows, never as a clobbered row.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	return s.db.WithContext(ctx).Create(seq).Error
}

func (s *GormStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_number ASC")
		}).
		First(&seq, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSequenceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *GormStore) ListSequences(ctx context.Context, userID uint) ([]models.Sequence, error) {
	var seqs []models.Sequence
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&seqs).Error; err != nil {
		return nil, err
	}
	return seqs, nil
}

func (s *GormStore) SetSequenceStatus(ctx context.Context, id uint, status models.SequenceStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Sequence{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSequenceNotFound
	}
	return nil
}

func (s *GormStore) CreateStep(ctx context.Context, step *models.SequenceStep) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.SequenceStep{}).
			Where("sequence_id = ? AND step_number = ?", step.SequenceID, step.StepNumber).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("step %d in sequence %d: %w", step.StepNumber, step.SequenceID, ErrDuplicateStepNumber)
		}
		if err := tx.Create(step).Error; err != nil {
			return err
		}
		return tx.Model(&models.Sequence{}).
			Where("id = ?", step.SequenceID).
			Update("total_steps", gorm.Expr("total_steps + ?", 1)).Error
	})
}

func (s *GormStore) SetStepActive(ctx context.Context, stepID uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.SequenceStep{}).
		Where("id = ?", stepID).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSequenceNotFound
	}
	return nil
}

func (s *GormStore) IncrementStepSent(ctx context.Context, stepID uint) error {
	return s.db.WithContext(ctx).Model(&models.SequenceStep{}).
		Where("id = ?", stepID).
		Update("sent_count", gorm.Expr("sent_count + ?", 1)).Error
}

func (s *GormStore) AdjustActiveEnrollments(ctx context.Context, sequenceID uint, delta int) error {
	return s.db.WithContext(ctx).Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Update("active_enrollments", gorm.Expr("GREATEST(active_enrollments + ?, 0)", delta)).Error
}

func (s *GormStore) RecountSequence(ctx context.Context, sequenceID uint) (*models.Sequence, error) {
	var seq *models.Sequence
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var steps, enrollments int64
		if err := tx.Model(&models.SequenceStep{}).
			Where("sequence_id = ?", sequenceID).
			Count(&steps).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.SequenceEnrollment{}).
			Where("sequence_id = ? AND status = ?", sequenceID, models.EnrollmentStatusActive).
			Count(&enrollments).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Sequence{}).Where("id = ?", sequenceID).Updates(map[string]interface{}{
			"total_steps":        steps,
			"active_enrollments": enrollments,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSequenceNotFound
		}
		var got models.Sequence
		if err := tx.First(&got, sequenceID).Error; err != nil {
			return err
		}
		seq = &got
		return nil
	})
	return seq, err
}

func (s *GormStore) CreateEnrollment(ctx context.Context, e *models.SequenceEnrollment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.SequenceEnrollment{}).
			Where("sequence_id = ? AND contact_id = ? AND status IN ?",
				e.SequenceID, e.ContactID,
				[]models.EnrollmentStatus{models.EnrollmentStatusActive, models.EnrollmentStatusPaused}).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("contact %d in sequence %d: %w", e.ContactID, e.SequenceID, ErrDuplicateEnrollment)
		}
		return tx.Create(e).Error
	})
}

func (s *GormStore) GetEnrollment(ctx context.Context, id uint) (*models.SequenceEnrollment, error) {
	var e models.SequenceEnrollment
	err := s.db.WithContext(ctx).First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *GormStore) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]models.SequenceEnrollment, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{})
	if filter.SequenceID != 0 {
		q = q.Where("sequence_id = ?", filter.SequenceID)
	}
	if filter.ContactID != 0 {
		q = q.Where("contact_id = ?", filter.ContactID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	var out []models.SequenceEnrollment
	err := q.Order("enrolled_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *GormStore) TransitionEnrollment(ctx context.Context, id uint, from []models.EnrollmentStatus, to models.EnrollmentStatus, at time.Time) (*models.SequenceEnrollment, error) {
	updates := map[string]interface{}{"status": to}
	switch to {
	case models.EnrollmentStatusPaused:
		updates["paused_at"] = at
	case models.EnrollmentStatusActive:
		updates["paused_at"] = nil
	case models.EnrollmentStatusCompleted, models.EnrollmentStatusUnsubscribed:
		updates["completed_at"] = at
	}

	res := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a missing row from a lost race / wrong state.
		if _, err := s.GetEnrollment(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	return s.GetEnrollment(ctx, id)
}

func (s *GormStore) SetEnrollmentReplied(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("id = ? AND replied_at IS NULL", id).
		Update("replied_at", at)
	return res.Error
}

func (s *GormStore) AdvanceEnrollment(ctx context.Context, id uint, fromStep, toStep int, complete bool, at time.Time) (models.EnrollmentStatus, bool, error) {
	updates := map[string]interface{}{"current_step_number": toStep}
	if complete {
		updates["status"] = models.EnrollmentStatusCompleted
		updates["completed_at"] = at
	}
	// One conditional UPDATE per admissible from-status, so the prior
	// status is known from which attempt matched.
	for _, from := range []models.EnrollmentStatus{models.EnrollmentStatusActive, models.EnrollmentStatusPaused} {
		res := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
			Where("id = ? AND status = ? AND current_step_number = ?", id, from, fromStep).
			Updates(updates)
		if res.Error != nil {
			return "", false, res.Error
		}
		if res.RowsAffected > 0 {
			return from, true, nil
		}
	}
	return "", false, nil
}

func (s *GormStore) CreateExecution(ctx context.Context, x *models.SequenceStepExecution) error {
	return s.db.WithContext(ctx).Create(x).Error
}

func (s *GormStore) GetExecution(ctx context.Context, id uint) (*models.SequenceStepExecution, error) {
	var x models.SequenceStepExecution
	err := s.db.WithContext(ctx).First(&x, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &x, nil
}

func (s *GormStore) ExecutionsForEnrollment(ctx context.Context, enrollmentID uint) ([]models.SequenceStepExecution, error) {
	var out []models.SequenceStepExecution
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("step_number ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) DueExecutions(ctx context.Context, now time.Time, limit int) ([]models.SequenceStepExecution, error) {
	var out []models.SequenceStepExecution
	err := s.db.WithContext(ctx).
		Joins("JOIN sequence_enrollments ON sequence_enrollments.id = sequence_step_executions.enrollment_id").
		Where("sequence_step_executions.status IN ?",
			[]models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusScheduled}).
		Where("sequence_step_executions.scheduled_for <= ?", now).
		Where("sequence_enrollments.status = ?", models.EnrollmentStatusActive).
		Order("sequence_step_executions.scheduled_for ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) ClaimExecution(ctx context.Context, id uint, workerID string, at time.Time) (*models.SequenceStepExecution, error) {
	res := s.db.WithContext(ctx).Model(&models.SequenceStepExecution{}).
		Where("id = ? AND status IN ?", id,
			[]models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusScheduled}).
		Updates(map[string]interface{}{
			"status":     models.ExecutionStatusClaimed,
			"claimed_by": workerID,
			"claimed_at": at,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrClaimConflict
	}
	return s.GetExecution(ctx, id)
}

func (s *GormStore) ReleaseExecution(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.SequenceStepExecution{}).
		Where("id = ? AND status = ?", id, models.ExecutionStatusClaimed).
		Updates(map[string]interface{}{
			"status":     models.ExecutionStatusScheduled,
			"claimed_by": "",
			"claimed_at": nil,
		}).Error
}

func (s *GormStore) MarkExecutionSent(ctx context.Context, id uint, sentAt time.Time, messageID string, attempt int) error {
	res := s.db.WithContext(ctx).Model(&models.SequenceStepExecution{}).
		Where("id = ? AND status = ?", id, models.ExecutionStatusClaimed).
		Updates(map[string]interface{}{
			"status":        models.ExecutionStatusSent,
			"sent_at":       sentAt,
			"message_id":    messageID,
			"attempt_count": attempt,
			"error_message": "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return ErrExecutionNotClaimed
	}
	return nil
}

func (s *GormStore) RescheduleExecution(ctx context.Context, id uint, attempt int, errMsg string, retryAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.SequenceStepExecution{}).
		Where("id = ? AND status = ?", id, models.ExecutionStatusClaimed).
		Updates(map[string]interface{}{
			"status":        models.ExecutionStatusScheduled,
			"scheduled_for": retryAt,
			"attempt_count": attempt,
			"error_message": errMsg,
			"claimed_by":    "",
			"claimed_at":    nil,
		}).Error
}

func (s *GormStore) FailExecution(ctx context.Context, id uint, attempt int, errMsg string) error {
	return s.db.WithContext(ctx).Model(&models.SequenceStepExecution{}).
		Where("id = ? AND status = ?", id, models.ExecutionStatusClaimed).
		Updates(map[string]interface{}{
			"status":        models.ExecutionStatusFailed,
			"attempt_count": attempt,
			"error_message": errMsg,
		}).Error
}

func (s *GormStore) SkipExecution(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.SequenceStepExecution{}).
		Where("id = ? AND status IN ?", id,
			[]models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusScheduled, models.ExecutionStatusClaimed}).
		Update("status", models.ExecutionStatusSkipped).Error
}

func (s *GormStore) CancelOpenExecutions(ctx context.Context, enrollmentID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.SequenceStepExecution{}).
		Where("enrollment_id = ? AND status IN ?", enrollmentID,
			[]models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusScheduled, models.ExecutionStatusClaimed}).
		Update("status", models.ExecutionStatusCancelled)
	return res.RowsAffected, res.Error
}
