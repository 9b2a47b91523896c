package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerPostingRecord is the transactional outbox row written in the
// same transaction that flips a statement to posted. The dispatcher
// publishes pending rows to Pub/Sub and marks them PUBLISHED, so a
// crash between commit and publish never loses a posting.
type LedgerPostingRecord struct {
	ID                 int                 `gorm:"primary_key" json:"id"`
	StatementReference string              `gorm:"size:64;index;not null" json:"statement_reference"`
	Payload            string              `gorm:"type:json;not null" json:"payload"`
	PublishStatus      OutboxPublishStatus `gorm:"size:16;not null;default:'PENDING';index" json:"publish_status"`
	Attempts           int                 `gorm:"not null;default:0" json:"attempts"`
	LastError          string              `gorm:"size:1024" json:"last_error"`
	LockedAt           *time.Time          `json:"locked_at"`
	CorrelationId      string              `gorm:"size:64" json:"correlation_id"`
	CreatedAt          time.Time           `gorm:"autoCreateTime" json:"created_at"`
	PublishedAt        *time.Time          `json:"published_at"`
}

func (LedgerPostingRecord) TableName() string {
	return "ledger_posting_records"
}

// ClaimPendingLedgerPostings locks a batch of pending rows for one
// dispatcher pass. Rows stuck in a stale lock are reclaimed after
// five minutes.
func ClaimPendingLedgerPostings(ctx context.Context, limit int) ([]*LedgerPostingRecord, error) {
	db := config.GetDB()
	var claimed []*LedgerPostingRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		staleBefore := time.Now().Add(-5 * time.Minute)
		if err := tx.
			Where("publish_status = ? AND (locked_at IS NULL OR locked_at < ?)", OutboxPublishStatusPending, staleBefore).
			Order("id asc").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]int, 0, len(claimed))
		for _, row := range claimed {
			ids = append(ids, row.ID)
		}
		now := time.Now()
		return tx.Model(&LedgerPostingRecord{}).
			Where("id IN ?", ids).
			Update("locked_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func MarkLedgerPostingPublished(ctx context.Context, id int) error {
	db := config.GetDB()
	now := time.Now()
	return db.WithContext(ctx).Model(&LedgerPostingRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status": OutboxPublishStatusPublished,
			"published_at":   now,
			"locked_at":      nil,
			"last_error":     "",
		}).Error
}

func MarkLedgerPostingFailed(ctx context.Context, id int, publishErr error, maxAttempts int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row LedgerPostingRecord
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return err
		}
		row.Attempts++
		row.LastError = publishErr.Error()
		row.LockedAt = nil
		if row.Attempts >= maxAttempts {
			row.PublishStatus = OutboxPublishStatusFailed
		}
		return tx.Save(&row).Error
	})
}
