package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
)

// Voucher is the single polymorphic transaction record. Axis-specific
// payloads live in child tables (approvers, workflow entries, collection
// lines); which axes are legal for a voucher is decided by its
// TransactionType (see ValidateAxes).
type Voucher struct {
	ID            int             `gorm:"primary_key" json:"id"`
	VoucherNumber string          `gorm:"size:64;uniqueIndex;not null" json:"voucher_number"`

	TransactionType TransactionType `gorm:"size:30;index;not null" json:"transaction_type"`
	SourceModule    string          `gorm:"size:50" json:"source_module"`

	Amount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency string          `gorm:"size:10;not null" json:"currency"`

	RequestorId   int    `gorm:"index;not null" json:"requestor_id"`
	RequestorName string `gorm:"size:100" json:"requestor_name"`
	VendorName    string `gorm:"size:255;default:null" json:"vendor_name"`
	CustomerId    int    `gorm:"default:null" json:"customer_id"`
	CustomerName  string `gorm:"size:255;default:null" json:"customer_name"`
	ProjectNumber string `gorm:"size:50;default:null" json:"project_number"`
	Purpose       string `gorm:"type:text" json:"purpose"`

	Status VoucherStatus `gorm:"size:20;index;not null" json:"status"`

	// billing axis (TransactionType = Billing only)
	BillingStatus      BillingStatus   `gorm:"size:20;default:null" json:"billing_status"`
	StatementReference *string         `gorm:"size:64;index" json:"statement_reference"`
	RemainingBalance   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"remaining_balance"`
	PostedToLedger     bool            `gorm:"not null;default:false" json:"posted_to_ledger"`

	// collection axis (TransactionType = Collection only); set once when
	// the lines are applied, never cleared
	AllocatedAt *time.Time `gorm:"default:null" json:"allocated_at"`

	// liquidation axis
	ParentVoucherId *int `gorm:"index" json:"parent_voucher_id"`

	// optimistic concurrency; every conditional write is
	// WHERE id = ? AND version = ?
	Version int `gorm:"not null;default:1" json:"version"`

	Approvers       []VoucherApprover `gorm:"foreignKey:VoucherId" json:"approvers"`
	WorkflowHistory []WorkflowEntry   `gorm:"foreignKey:VoucherId" json:"workflow_history"`
	CollectionLines []CollectionLine  `gorm:"foreignKey:VoucherId" json:"collection_lines"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type VoucherApprover struct {
	ID           int        `gorm:"primary_key" json:"id"`
	VoucherId    int        `gorm:"index;not null" json:"voucher_id"`
	ApproverId   int        `gorm:"not null" json:"approver_id"`
	ApproverName string     `gorm:"size:100" json:"approver_name"`
	ApproverRole string     `gorm:"size:30" json:"approver_role"`
	ApprovedAt   *time.Time `json:"approved_at"`
	Remarks      string     `gorm:"type:text" json:"remarks"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// WorkflowEntry is the sole audit record for a voucher: one row per
// successful transition, appended in the same DB transaction as the
// status change. Rows are never updated or deleted.
type WorkflowEntry struct {
	ID         int            `gorm:"primary_key" json:"id"`
	VoucherId  int            `gorm:"index;not null" json:"voucher_id"`
	FromStatus VoucherStatus  `gorm:"size:20;not null" json:"from_status"`
	ToStatus   VoucherStatus  `gorm:"size:20;not null" json:"to_status"`
	Action     WorkflowAction `gorm:"size:30;not null" json:"action"`
	ActorId    int            `gorm:"not null" json:"actor_id"`
	ActorName  string         `gorm:"size:100" json:"actor_name"`
	Remarks    string         `gorm:"type:text" json:"remarks"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// CollectionLine allocates part of a collection voucher's amount against
// one billing voucher. Lines are applied in id order.
type CollectionLine struct {
	ID        int             `gorm:"primary_key" json:"id"`
	VoucherId int             `gorm:"index;not null" json:"voucher_id"`
	BillingId int             `gorm:"index;not null" json:"billing_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (v *Voucher) IsBilling() bool {
	return v.TransactionType == TransactionTypeBilling
}

func (v *Voucher) IsCollection() bool {
	return v.TransactionType == TransactionTypeCollection
}

// ValidateAxes rejects axis payloads that are illegal for the voucher's
// transaction type (e.g. collection lines on an expense).
func (v *Voucher) ValidateAxes() error {
	if len(v.CollectionLines) > 0 && !v.IsCollection() {
		return utils.ErrValidation
	}
	if !v.IsCollection() && v.AllocatedAt != nil {
		return utils.ErrValidation
	}
	if !v.IsBilling() && (v.BillingStatus != "" || v.StatementReference != nil) {
		return utils.ErrValidation
	}
	for _, line := range v.CollectionLines {
		if !line.Amount.IsPositive() {
			return fmt.Errorf("collection line amount %s must be positive: %w", line.Amount.String(), utils.ErrValidation)
		}
	}
	return nil
}

// Clone returns a deep copy, so pure transition code can mutate freely
// and the caller still holds the pre-transition record.
func (v *Voucher) Clone() *Voucher {
	cp := *v
	cp.Approvers = append([]VoucherApprover(nil), v.Approvers...)
	cp.WorkflowHistory = append([]WorkflowEntry(nil), v.WorkflowHistory...)
	cp.CollectionLines = append([]CollectionLine(nil), v.CollectionLines...)
	return &cp
}

/* queries */

func GetVoucher(ctx context.Context, id int) (*Voucher, error) {
	return utils.FetchModel[Voucher](ctx, id, "Approvers", "WorkflowHistory", "CollectionLines")
}

type VoucherFilter struct {
	TransactionType    *TransactionType
	Status             *VoucherStatus
	StatementReference *string
	ParentVoucherId    *int
	RequestorId        *int

	// Limit 0 means no pagination.
	Limit  int
	Offset int
}

func GetVouchers(ctx context.Context, filter VoucherFilter) ([]*Voucher, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	if filter.TransactionType != nil {
		dbCtx = dbCtx.Where("transaction_type = ?", *filter.TransactionType)
	}
	if filter.Status != nil {
		dbCtx = dbCtx.Where("status = ?", *filter.Status)
	}
	if filter.StatementReference != nil {
		dbCtx = dbCtx.Where("statement_reference = ?", *filter.StatementReference)
	}
	if filter.ParentVoucherId != nil {
		dbCtx = dbCtx.Where("parent_voucher_id = ?", *filter.ParentVoucherId)
	}
	if filter.RequestorId != nil {
		dbCtx = dbCtx.Where("requestor_id = ?", *filter.RequestorId)
	}

	if filter.Limit > 0 {
		dbCtx = dbCtx.Limit(filter.Limit).Offset(filter.Offset)
	}

	var results []*Voucher
	err := dbCtx.Order("id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
