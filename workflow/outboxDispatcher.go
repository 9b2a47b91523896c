package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxDispatcher drains ledger_posting_records to Pub/Sub. Rows are
// claimed with SKIP LOCKED so several dispatchers can run; a stale
// claim is reclaimed after LockTimeout.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:           db,
		Logger:       logger,
		DispatcherID: uuid.NewString(),
		BatchSize:    50,
		PollInterval: 500 * time.Millisecond,
		MaxAttempts:  20,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it. Safe to call from a
// poller or a one-shot command.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) {
	if d.DB == nil {
		return
	}

	claimed, err := models.ClaimPendingLedgerPostings(ctx, d.BatchSize)
	if err != nil {
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":         "OutboxDispatcher",
				"dispatcher_id": d.DispatcherID,
			}).Error("outbox claim failed: " + err.Error())
		}
		return
	}

	for _, rec := range claimed {
		attributes := map[string]string{
			"statement_reference": rec.StatementReference,
			"correlation_id":      rec.CorrelationId,
		}
		if _, pubErr := config.PublishLedgerPosting(ctx, []byte(rec.Payload), attributes); pubErr != nil {
			if err := models.MarkLedgerPostingFailed(ctx, rec.ID, pubErr, d.MaxAttempts); err != nil && d.Logger != nil {
				d.Logger.WithFields(logrus.Fields{
					"field":     "OutboxDispatcher",
					"record_id": rec.ID,
				}).Error("outbox mark failed errored: " + err.Error())
			}
			if d.Logger != nil {
				d.Logger.WithFields(logrus.Fields{
					"field":               "OutboxDispatcher",
					"record_id":           rec.ID,
					"statement_reference": rec.StatementReference,
					"attempt":             rec.Attempts + 1,
				}).Error("outbox publish failed: " + pubErr.Error())
			}
			continue
		}
		if err := models.MarkLedgerPostingPublished(ctx, rec.ID); err != nil && d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":     "OutboxDispatcher",
				"record_id": rec.ID,
			}).Error("outbox mark published errored: " + err.Error())
		}
	}
}
