package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var moduleName string = "workflow"

// Orchestrator is the single entry point callers use. It composes the
// state machine, the reconciliation operations and liquidation over
// one Store, and owns write coordination; everything underneath is a
// pure function over vouchers.
type Orchestrator struct {
	Store      Store
	Logger     *logrus.Logger
	CanApprove Authority

	// Number allocators run in their own transaction so identifiers
	// are never reused even when the enclosing operation fails.
	NextVoucherNumber      func(ctx context.Context, transactionType models.TransactionType, date time.Time) (string, error)
	NextStatementReference func(ctx context.Context, date time.Time) (string, error)
}

func NewOrchestrator(db *gorm.DB, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		Store:                  NewGormStore(db),
		Logger:                 logger,
		CanApprove:             DefaultAuthority,
		NextVoucherNumber:      models.NextVoucherNumber,
		NextStatementReference: models.NextStatementReference,
	}
}

// NewVoucherInput carries the caller-supplied fields of a voucher
// create. The requestor is the acting user.
type NewVoucherInput struct {
	TransactionType models.TransactionType  `json:"transaction_type" binding:"required"`
	SourceModule    string                  `json:"source_module"`
	Amount          decimal.Decimal         `json:"amount"`
	Currency        string                  `json:"currency" binding:"required"`
	VendorName      string                  `json:"vendor_name"`
	CustomerId      int                     `json:"customer_id"`
	CustomerName    string                  `json:"customer_name"`
	ProjectNumber   string                  `json:"project_number"`
	Purpose         string                  `json:"purpose"`
	ParentVoucherId *int                    `json:"parent_voucher_id"`
	CollectionLines []models.CollectionLine `json:"collection_lines"`
}

func (o *Orchestrator) buildVoucher(input *NewVoucherInput, actor models.Actor) (*models.Voucher, error) {
	if !input.TransactionType.IsValid() {
		return nil, fmt.Errorf("unknown transaction type %q: %w", input.TransactionType, utils.ErrValidation)
	}
	if input.Amount.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative: %w", utils.ErrValidation)
	}
	if input.Currency == "" {
		return nil, fmt.Errorf("currency is required: %w", utils.ErrValidation)
	}

	voucher := &models.Voucher{
		TransactionType: input.TransactionType,
		SourceModule:    input.SourceModule,
		Amount:          input.Amount,
		Currency:        input.Currency,
		RequestorId:     actor.Id,
		RequestorName:   actor.Name,
		VendorName:      input.VendorName,
		CustomerId:      input.CustomerId,
		CustomerName:    input.CustomerName,
		ProjectNumber:   input.ProjectNumber,
		Purpose:         input.Purpose,
		Status:          models.VoucherStatusDraft,
		ParentVoucherId: input.ParentVoucherId,
		CollectionLines: input.CollectionLines,
		Version:         1,
	}
	if voucher.IsBilling() {
		voucher.BillingStatus = models.BillingStatusUnbilled
		voucher.RemainingBalance = voucher.Amount
	}
	if err := voucher.ValidateAxes(); err != nil {
		return nil, err
	}
	return voucher, nil
}

// CreateVoucher allocates a voucher number and persists a new Draft
// voucher.
func (o *Orchestrator) CreateVoucher(ctx context.Context, input *NewVoucherInput, actor models.Actor) (*models.Voucher, error) {
	voucher, err := o.buildVoucher(input, actor)
	if err != nil {
		return nil, err
	}

	if voucher.ParentVoucherId != nil {
		if err := o.checkParent(ctx, *voucher.ParentVoucherId); err != nil {
			return nil, err
		}
	}

	number, err := o.NextVoucherNumber(ctx, voucher.TransactionType, time.Now())
	if err != nil {
		config.LogError(o.Logger, moduleName, "CreateVoucher", "allocate number", input, err)
		return nil, err
	}
	voucher.VoucherNumber = number

	if err := o.Store.CreateVoucher(ctx, voucher); err != nil {
		config.LogError(o.Logger, moduleName, "CreateVoucher", "create", voucher, err)
		return nil, err
	}
	return voucher, nil
}

// transition loads, applies one state-machine action and saves under
// the optimistic version check.
func (o *Orchestrator) transition(ctx context.Context, voucherId int, action models.WorkflowAction, actor models.Actor, remarks string) (*models.Voucher, error) {
	var result *models.Voucher
	err := o.Store.Transact(ctx, func(tx Store) error {
		voucher, err := tx.GetVoucher(ctx, voucherId)
		if err != nil {
			return err
		}
		expectedVersion := voucher.Version
		if err := ApplyTransition(voucher, action, actor, remarks, o.CanApprove); err != nil {
			return err
		}
		if err := tx.SaveVoucher(ctx, voucher, expectedVersion); err != nil {
			return err
		}
		result = voucher
		return nil
	})
	if err != nil {
		config.LogError(o.Logger, moduleName, "transition", string(action), voucherId, err)
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) Submit(ctx context.Context, voucherId int, actor models.Actor) (*models.Voucher, error) {
	return o.transition(ctx, voucherId, models.ActionSubmit, actor, "")
}

func (o *Orchestrator) Approve(ctx context.Context, voucherId int, actor models.Actor, remarks string) (*models.Voucher, error) {
	return o.transition(ctx, voucherId, models.ActionApprove, actor, remarks)
}

func (o *Orchestrator) Reject(ctx context.Context, voucherId int, actor models.Actor, reason string) (*models.Voucher, error) {
	return o.transition(ctx, voucherId, models.ActionReject, actor, reason)
}

func (o *Orchestrator) Cancel(ctx context.Context, voucherId int, actor models.Actor) (*models.Voucher, error) {
	return o.transition(ctx, voucherId, models.ActionCancel, actor, "")
}

// AutoApprove creates a voucher and posts it in one compound step. The
// voucher is never observable in Pending; the actor becomes the sole
// approver.
func (o *Orchestrator) AutoApprove(ctx context.Context, input *NewVoucherInput, actor models.Actor) (*models.Voucher, error) {
	voucher, err := o.buildVoucher(input, actor)
	if err != nil {
		return nil, err
	}
	if err := checkActorGate(voucher, models.ActionAutoApprove, actor, o.CanApprove); err != nil {
		return nil, err
	}
	if voucher.ParentVoucherId != nil {
		if err := o.checkParent(ctx, *voucher.ParentVoucherId); err != nil {
			return nil, err
		}
	}

	number, err := o.NextVoucherNumber(ctx, voucher.TransactionType, time.Now())
	if err != nil {
		config.LogError(o.Logger, moduleName, "AutoApprove", "allocate number", input, err)
		return nil, err
	}
	voucher.VoucherNumber = number

	if err := ApplyTransition(voucher, models.ActionAutoApprove, actor, "", o.CanApprove); err != nil {
		return nil, err
	}

	if err := o.Store.CreateVoucher(ctx, voucher); err != nil {
		config.LogError(o.Logger, moduleName, "AutoApprove", "create", voucher, err)
		return nil, err
	}
	return voucher, nil
}
