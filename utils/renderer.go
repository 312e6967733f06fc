package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	texttemplate "text/template"

	"gorm.io/gorm"

	"github.com/brightears/bmasia-crm-sub004/engine"
	"github.com/brightears/bmasia-crm-sub004/models"
)

// TemplateContext is the data available to email templates.
type TemplateContext struct {
	FirstName string
	LastName  string
	Email     string
	Company   string
	Position  string
}

// DBTemplateRenderer implements engine.TemplateRenderer against the
// templates table, executing subject and body through Go templates with
// the contact context.
type DBTemplateRenderer struct {
	db *gorm.DB
}

func NewDBTemplateRenderer(db *gorm.DB) *DBTemplateRenderer {
	return &DBTemplateRenderer{db: db}
}

func (r *DBTemplateRenderer) Render(ctx context.Context, templateID uint, contact *models.Contact) (*engine.RenderedEmail, error) {
	var tpl models.Template
	err := r.db.WithContext(ctx).First(&tpl, templateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("template %d: %w", templateID, engine.ErrTemplateNotFound)
	}
	if err != nil {
		return nil, err
	}

	data := TemplateContext{
		FirstName: contact.FirstName,
		LastName:  contact.LastName,
		Email:     contact.Email,
		Company:   contact.Company,
		Position:  contact.Position,
	}

	subject, err := renderText(tpl.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject of template %d: %w", templateID, err)
	}
	htmlBody, err := renderHTML(tpl.HTMLContent, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render html body of template %d: %w", templateID, err)
	}
	textBody, err := renderText(tpl.TextContent, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render text body of template %d: %w", templateID, err)
	}

	return &engine.RenderedEmail{
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	}, nil
}

func renderHTML(src string, data TemplateContext) (string, error) {
	if src == "" {
		return "", nil
	}
	t, err := template.New("email").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderText(src string, data TemplateContext) (string, error) {
	if src == "" {
		return "", nil
	}
	t, err := texttemplate.New("email").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
