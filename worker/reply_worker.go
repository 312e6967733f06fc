package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/brightears/bmasia-crm-sub004/engine"
	"github.com/brightears/bmasia-crm-sub004/models"
)

// IMAPConfig holds the mailbox credentials the reply worker polls.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// ReplyWorker periodically scans the sending mailbox for replies. A reply
// from an enrolled contact's address unenrolls that contact from every
// non-terminal enrollment: once someone answers, the drip stops.
type ReplyWorker struct {
	store     engine.Store
	enroller  *engine.Enroller
	directory engine.ContactDirectory
	logger    *logrus.Entry

	cfg      IMAPConfig
	interval time.Duration
	lastSeen time.Time
}

func NewReplyWorker(store engine.Store, enroller *engine.Enroller, directory engine.ContactDirectory, logger *logrus.Entry, cfg IMAPConfig, interval time.Duration) *ReplyWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReplyWorker{
		store:     store,
		enroller:  enroller,
		directory: directory,
		logger:    logger,
		cfg:       cfg,
		interval:  interval,
		lastSeen:  time.Now().Add(-24 * time.Hour),
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	if rw.cfg.Host == "" {
		rw.logger.Warn("no IMAP host configured, reply detection disabled")
		return
	}
	rw.logger.Info("reply worker started")

	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("reply worker shutting down")
			return
		case <-ticker.C:
			if err := rw.pollOnce(ctx); err != nil {
				rw.logger.WithError(err).Error("reply poll failed")
			}
		}
	}
}

func (rw *ReplyWorker) pollOnce(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", rw.cfg.Host, rw.cfg.Port)
	c, err := client.DialTLS(addr, &tls.Config{ServerName: rw.cfg.Host})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(rw.cfg.Username, rw.cfg.Password); err != nil {
		return fmt.Errorf("IMAP login failed: %w", err)
	}

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return fmt.Errorf("failed to select inbox: %w", err)
	}
	if mbox.Messages == 0 {
		return nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = rw.lastSeen
	uids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("IMAP search failed: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	for msg := range messages {
		rw.handleMessage(ctx, msg, section)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("IMAP fetch failed: %w", err)
	}

	rw.lastSeen = time.Now()
	return nil
}

func (rw *ReplyWorker) handleMessage(ctx context.Context, msg *imap.Message, section *imap.BodySectionName) {
	body := msg.GetBody(section)
	if body == nil {
		return
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		rw.logger.WithError(err).Debug("unparseable message, skipping")
		return
	}

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return
	}

	for _, sender := range from {
		rw.handleReplyFrom(ctx, strings.ToLower(sender.Address))
	}
}

func (rw *ReplyWorker) handleReplyFrom(ctx context.Context, address string) {
	contact, err := rw.directory.FindContactByEmail(ctx, address)
	if err != nil {
		// Not one of ours.
		return
	}

	enrollments, _, err := rw.store.ListEnrollments(ctx, engine.EnrollmentFilter{
		ContactID: contact.ID,
		Statuses: []models.EnrollmentStatus{
			models.EnrollmentStatusActive,
			models.EnrollmentStatusPaused,
		},
	})
	if err != nil {
		rw.logger.WithError(err).WithField("contact_id", contact.ID).
			Error("failed to list enrollments for replying contact")
		return
	}

	now := time.Now()
	for i := range enrollments {
		if _, err := rw.enroller.MarkReplied(ctx, enrollments[i].ID, now); err != nil {
			rw.logger.WithError(err).WithField("enrollment_id", enrollments[i].ID).
				Error("failed to unenroll replying contact")
			continue
		}
		rw.logger.WithFields(logrus.Fields{
			"enrollment_id": enrollments[i].ID,
			"contact_id":    contact.ID,
		}).Info("contact replied, unenrolled")
	}
}
