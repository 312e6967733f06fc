package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/brightears/bmasia-crm-sub004/engine"
	"github.com/brightears/bmasia-crm-sub004/models"
)

// GormContactDirectory is the read-only CRM lookup the engine consumes.
// Contacts are owned by the CRM; nothing here writes to them.
type GormContactDirectory struct {
	db *gorm.DB
}

func NewGormContactDirectory(db *gorm.DB) *GormContactDirectory {
	return &GormContactDirectory{db: db}
}

func (d *GormContactDirectory) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	var contact models.Contact
	err := d.db.WithContext(ctx).First(&contact, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("contact %d: %w", id, engine.ErrContactNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

func (d *GormContactDirectory) FindContactByEmail(ctx context.Context, email string) (*models.Contact, error) {
	var contact models.Contact
	err := d.db.WithContext(ctx).
		Where("LOWER(email) = ?", strings.ToLower(email)).
		First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("contact %s: %w", email, engine.ErrContactNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}
