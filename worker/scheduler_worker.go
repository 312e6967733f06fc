package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brightears/bmasia-crm-sub004/engine"
)

// SchedulerWorker polls for due executions on a fixed tick, claims each one
// atomically and hands it to the dispatcher. Multiple replicas can run
// concurrently: the claim transition guarantees every execution is
// dispatched by exactly one of them.
type SchedulerWorker struct {
	store      engine.Store
	dispatcher *engine.Dispatcher
	logger     *logrus.Entry

	interval  time.Duration
	batchSize int
	workerID  string
	now       func() time.Time
}

func NewSchedulerWorker(store engine.Store, dispatcher *engine.Dispatcher, logger *logrus.Entry, interval time.Duration, batchSize int) *SchedulerWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	hostname, _ := os.Hostname()
	return &SchedulerWorker{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   interval,
		batchSize:  batchSize,
		workerID:   fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		now:        time.Now,
	}
}

func (sw *SchedulerWorker) Start(ctx context.Context) {
	sw.logger.WithFields(logrus.Fields{
		"worker_id": sw.workerID,
		"interval":  sw.interval,
	}).Info("scheduler worker started")

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("scheduler worker shutting down")
			return
		case <-ticker.C:
			sw.Tick(ctx)
		}
	}
}

// Tick runs one poll-claim-dispatch pass. Exposed so tests and admin
// tooling can drive the scheduler without waiting for the ticker.
func (sw *SchedulerWorker) Tick(ctx context.Context) {
	now := sw.now()
	due, err := sw.store.DueExecutions(ctx, now, sw.batchSize)
	if err != nil {
		sw.logger.WithError(err).Error("due execution query failed")
		sentry.CaptureException(err)
		return
	}
	if len(due) == 0 {
		return
	}
	sw.logger.WithField("due", len(due)).Debug("processing due executions")

	for i := range due {
		claimed, err := sw.store.ClaimExecution(ctx, due[i].ID, sw.workerID, now)
		if errors.Is(err, engine.ErrClaimConflict) {
			// Another replica got it first. Not an error.
			continue
		}
		if err != nil {
			sw.logger.WithError(err).WithField("execution_id", due[i].ID).
				Error("failed to claim execution")
			continue
		}

		if err := sw.dispatcher.Dispatch(ctx, claimed); err != nil {
			sw.logger.WithError(err).WithField("execution_id", claimed.ID).
				Error("dispatch failed")
			sentry.CaptureException(err)
		}
	}
}
