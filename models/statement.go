package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
)

// Statement groups billing vouchers into one SOA presented to a
// customer. Members are the vouchers whose StatementReference equals
// Reference. Finalization is terminal: once PostedToLedger flips, the
// statement and its members never post again.
type Statement struct {
	ID              int        `gorm:"primary_key" json:"id"`
	Reference       string     `gorm:"size:64;uniqueIndex;not null" json:"reference"`
	GeneratedById   int        `gorm:"not null" json:"generated_by_id"`
	GeneratedByName string     `gorm:"size:100" json:"generated_by_name"`
	PostedToLedger  bool       `gorm:"not null;default:false" json:"posted_to_ledger"`
	PostedAt        *time.Time `json:"posted_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetStatementByReference(ctx context.Context, reference string) (*Statement, error) {
	db := config.GetDB()
	var result Statement
	if err := db.WithContext(ctx).Where("reference = ?", reference).First(&result).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// GetStatementMembers returns the billing vouchers grouped under the
// statement, in id order.
func GetStatementMembers(ctx context.Context, reference string) ([]*Voucher, error) {
	return GetVouchers(ctx, VoucherFilter{StatementReference: &reference})
}
