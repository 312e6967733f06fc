package utils

import (
	"context"
	"fmt"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/brightears/bmasia-crm-sub004/engine"
)

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// SMTPTransport implements engine.EmailTransport over SMTP via gomail.
// Recipient addresses are syntax-checked before dialing: a malformed
// address is a permanent failure and must not burn the retry budget.
type SMTPTransport struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (t *SMTPTransport) Send(ctx context.Context, email *engine.RenderedEmail, recipient string) (string, error) {
	if err := checkmail.ValidateFormat(recipient); err != nil {
		return "", engine.NewPermanentTransportError(fmt.Errorf("invalid recipient %q: %w", recipient, err))
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), t.cfg.Host)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", t.cfg.FromEmail, t.cfg.FromName)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	if email.TextBody != "" {
		m.SetBody("text/plain", email.TextBody)
		if email.HTMLBody != "" {
			m.AddAlternative("text/html", email.HTMLBody)
		}
	} else {
		m.SetBody("text/html", email.HTMLBody)
	}

	if err := t.dialer.DialAndSend(m); err != nil {
		// Connection and relay errors are retryable.
		return "", engine.NewTransientTransportError(err)
	}
	return messageID, nil
}
