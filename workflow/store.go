package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
)

// Store is the persistence boundary of the engine. The gorm
// implementation lives in storeGorm.go; tests substitute an in-memory
// fake.
//
// SaveVoucher writes conditionally on expectedVersion and returns
// utils.ErrConcurrentModification when the row has moved on. A stale
// write is never applied.
type Store interface {
	// Transact runs fn atomically. All writes inside fn commit together
	// or not at all.
	Transact(ctx context.Context, fn func(tx Store) error) error

	GetVoucher(ctx context.Context, id int) (*models.Voucher, error)
	ListVouchersByIds(ctx context.Context, ids []int) ([]*models.Voucher, error)
	ListBillingsByStatement(ctx context.Context, reference string) ([]*models.Voucher, error)
	ListVouchersByParent(ctx context.Context, parentId int) ([]*models.Voucher, error)
	CreateVoucher(ctx context.Context, voucher *models.Voucher) error
	SaveVoucher(ctx context.Context, voucher *models.Voucher, expectedVersion int) error

	GetStatement(ctx context.Context, reference string) (*models.Statement, error)
	CreateStatement(ctx context.Context, statement *models.Statement) error
	SaveStatement(ctx context.Context, statement *models.Statement) error

	EnqueueLedgerPosting(ctx context.Context, record *models.LedgerPostingRecord) error
}
