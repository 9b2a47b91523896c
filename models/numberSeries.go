package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"gorm.io/gorm"
)

// VoucherNumberSeries holds one atomic counter per (kind, period).
// Kind is a transaction type or the literal "statement"; period is
// the calendar year for vouchers and YYYYMMDD for statements.
type VoucherNumberSeries struct {
	Kind    string `gorm:"primaryKey;size:32"`
	Period  string `gorm:"primaryKey;size:16"`
	NextSeq int64  `gorm:"not null;default:0"`
}

func (VoucherNumberSeries) TableName() string {
	return "voucher_number_series"
}

// NumberPrefix lets deployments override the default voucher prefix
// per transaction type.
type NumberPrefix struct {
	Kind   string `gorm:"primaryKey;size:32"`
	Prefix string `gorm:"size:8;not null"`
}

var defaultPrefixes = map[TransactionType]string{
	TransactionTypeExpense:       "EXP",
	TransactionTypeBudgetRequest: "BR",
	TransactionTypeCashAdvance:   "CA",
	TransactionTypeCollection:    "CR",
	TransactionTypeBilling:       "BL",
	TransactionTypeAdjustment:    "ADJ",
	TransactionTypeReimbursement: "RB",
}

func getVoucherPrefix(ctx context.Context, transactionType TransactionType) string {
	redisKey := "voucher_prefix_" + string(transactionType)
	var cached string
	if found, err := config.GetRedisObject(redisKey, &cached); err == nil && found && cached != "" {
		return cached
	}

	db := config.GetDB()
	var row NumberPrefix
	if err := db.WithContext(ctx).Where("kind = ?", string(transactionType)).First(&row).Error; err == nil && row.Prefix != "" {
		config.SetRedisObject(redisKey, row.Prefix, 24*time.Hour)
		return row.Prefix
	}

	if prefix, ok := defaultPrefixes[transactionType]; ok {
		return prefix
	}
	return "VCH"
}

// nextSeq bumps the counter for (kind, period) in its own transaction
// so a sequence number is consumed even when the caller later rolls
// back. Gaps are acceptable; reuse is not.
func nextSeq(ctx context.Context, kind string, period string) (int64, error) {
	db := config.GetDB()
	var seq int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := "INSERT INTO voucher_number_series (kind, period, next_seq) VALUES (?, ?, LAST_INSERT_ID(1)) " +
			"ON DUPLICATE KEY UPDATE next_seq = LAST_INSERT_ID(next_seq + 1)"
		if err := tx.Exec(upsert, kind, period).Error; err != nil {
			return err
		}
		return tx.Raw("SELECT LAST_INSERT_ID()").Scan(&seq).Error
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// FormatVoucherNumber renders a voucher number without touching the
// counter. Exposed for tests.
func FormatVoucherNumber(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%05d", prefix, year, seq)
}

// FormatStatementReference renders an SOA reference without touching
// the counter.
func FormatStatementReference(day time.Time, seq int64) string {
	return fmt.Sprintf("SOA-%s-%04d", day.Format("20060102"), seq)
}

// NextVoucherNumber allocates the next number for the transaction
// type in the calendar year of date.
func NextVoucherNumber(ctx context.Context, transactionType TransactionType, date time.Time) (string, error) {
	year := date.Year()
	seq, err := nextSeq(ctx, string(transactionType), fmt.Sprintf("%d", year))
	if err != nil {
		return "", err
	}
	return FormatVoucherNumber(getVoucherPrefix(ctx, transactionType), year, seq), nil
}

// NextStatementReference allocates the next SOA reference for the
// calendar day of date.
func NextStatementReference(ctx context.Context, date time.Time) (string, error) {
	day := date.Format("20060102")
	seq, err := nextSeq(ctx, "statement", day)
	if err != nil {
		return "", err
	}
	return FormatStatementReference(date, seq), nil
}
