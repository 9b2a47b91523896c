package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

// GormStore backs the engine with MySQL through gorm.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{DB: tx})
	})
}

func (s *GormStore) GetVoucher(ctx context.Context, id int) (*models.Voucher, error) {
	var result models.Voucher
	err := s.DB.WithContext(ctx).
		Preload("Approvers").
		Preload("WorkflowHistory").
		Preload("CollectionLines").
		First(&result, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func (s *GormStore) ListVouchersByIds(ctx context.Context, ids []int) ([]*models.Voucher, error) {
	var results []*models.Voucher
	err := s.DB.WithContext(ctx).
		Preload("Approvers").
		Preload("WorkflowHistory").
		Preload("CollectionLines").
		Where("id IN ?", ids).
		Order("id asc").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *GormStore) ListBillingsByStatement(ctx context.Context, reference string) ([]*models.Voucher, error) {
	var results []*models.Voucher
	err := s.DB.WithContext(ctx).
		Preload("WorkflowHistory").
		Where("statement_reference = ? AND transaction_type = ?", reference, models.TransactionTypeBilling).
		Order("id asc").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *GormStore) ListVouchersByParent(ctx context.Context, parentId int) ([]*models.Voucher, error) {
	var results []*models.Voucher
	err := s.DB.WithContext(ctx).
		Where("parent_voucher_id = ?", parentId).
		Order("id asc").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *GormStore) CreateVoucher(ctx context.Context, voucher *models.Voucher) error {
	if voucher.Version == 0 {
		voucher.Version = 1
	}
	return s.DB.WithContext(ctx).Create(voucher).Error
}

// SaveVoucher applies the in-memory voucher conditionally on the row
// still carrying expectedVersion, bumping the version in the same
// statement. RowsAffected == 0 means another writer got there first.
func (s *GormStore) SaveVoucher(ctx context.Context, voucher *models.Voucher, expectedVersion int) error {
	db := s.DB.WithContext(ctx)

	updates := map[string]interface{}{
		"status":              voucher.Status,
		"billing_status":      voucher.BillingStatus,
		"statement_reference": voucher.StatementReference,
		"remaining_balance":   voucher.RemainingBalance,
		"posted_to_ledger":    voucher.PostedToLedger,
		"allocated_at":        voucher.AllocatedAt,
		"version":             expectedVersion + 1,
	}

	result := db.Model(&models.Voucher{}).
		Where("id = ? AND version = ?", voucher.ID, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("voucher %d: %w", voucher.ID, utils.ErrConcurrentModification)
	}
	voucher.Version = expectedVersion + 1

	// History rows are append-only: persist only entries the transition
	// just added.
	for i := range voucher.WorkflowHistory {
		entry := &voucher.WorkflowHistory[i]
		if entry.ID != 0 {
			continue
		}
		entry.VoucherId = voucher.ID
		if err := db.Create(entry).Error; err != nil {
			return err
		}
	}
	for i := range voucher.Approvers {
		approver := &voucher.Approvers[i]
		if approver.ID != 0 {
			continue
		}
		approver.VoucherId = voucher.ID
		if err := db.Create(approver).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) GetStatement(ctx context.Context, reference string) (*models.Statement, error) {
	var result models.Statement
	err := s.DB.WithContext(ctx).Where("reference = ?", reference).First(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func (s *GormStore) CreateStatement(ctx context.Context, statement *models.Statement) error {
	return s.DB.WithContext(ctx).Create(statement).Error
}

func (s *GormStore) SaveStatement(ctx context.Context, statement *models.Statement) error {
	return s.DB.WithContext(ctx).Save(statement).Error
}

func (s *GormStore) EnqueueLedgerPosting(ctx context.Context, record *models.LedgerPostingRecord) error {
	return s.DB.WithContext(ctx).Create(record).Error
}
