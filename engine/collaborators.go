package engine

import (
	"context"

	"github.com/brightears/bmasia-crm-sub004/models"
)

// RenderedEmail is the output of the template renderer, ready for transport.
type RenderedEmail struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// TemplateRenderer produces renderable email content for a template and a
// contact context. A rendering failure is treated as a transient transport
// failure by the dispatcher's retry policy.
type TemplateRenderer interface {
	Render(ctx context.Context, templateID uint, contact *models.Contact) (*RenderedEmail, error)
}

// EmailTransport delivers one rendered email. Implementations classify
// failures as permanent or transient via TransportError; anything else is
// treated as transient. The returned string is the provider message id.
type EmailTransport interface {
	Send(ctx context.Context, email *RenderedEmail, recipient string) (string, error)
}

// ContactDirectory is the read-only view into the CRM data store. The
// engine references contacts by id and never writes them.
type ContactDirectory interface {
	GetContact(ctx context.Context, id uint) (*models.Contact, error)
	FindContactByEmail(ctx context.Context, email string) (*models.Contact, error)
}
