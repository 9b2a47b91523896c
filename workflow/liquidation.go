package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
)

// ExpenseEntry is one expense created against a liquidation parent.
type ExpenseEntry struct {
	Amount        decimal.Decimal `json:"amount"`
	VendorName    string          `json:"vendor_name"`
	ProjectNumber string          `json:"project_number"`
	Purpose       string          `json:"purpose"`
}

// LiquidationSummary reports usage against a budget request or cash
// advance. Derived on read, never stored.
type LiquidationSummary struct {
	ParentVoucherId int               `json:"parent_voucher_id"`
	ParentAmount    decimal.Decimal   `json:"parent_amount"`
	TotalLiquidated decimal.Decimal   `json:"total_liquidated"`
	OverLiquidated  decimal.Decimal   `json:"over_liquidated"`
	Children        []*models.Voucher `json:"children"`
}

// checkParent enforces the liquidation parent rule: the parent must
// exist, be Posted, and be a budget request or cash advance.
func (o *Orchestrator) checkParent(ctx context.Context, parentId int) error {
	parent, err := o.Store.GetVoucher(ctx, parentId)
	if err != nil {
		return fmt.Errorf("parent voucher %d: %w", parentId, utils.ErrInvalidParent)
	}
	if parent.Status != models.VoucherStatusPosted {
		return fmt.Errorf("parent voucher %d is %s, not Posted: %w", parentId, parent.Status, utils.ErrInvalidParent)
	}
	if !parent.TransactionType.IsLiquidatable() {
		return fmt.Errorf("parent voucher %d is %s: %w", parentId, parent.TransactionType, utils.ErrInvalidParent)
	}
	return nil
}

// Liquidate creates one Draft expense voucher per entry against a
// posted budget request or cash advance. Each child then runs the
// ordinary approval lifecycle on its own; liquidation never bypasses
// approval.
func (o *Orchestrator) Liquidate(ctx context.Context, parentId int, entries []ExpenseEntry, actor models.Actor) ([]*models.Voucher, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("expense entries are required: %w", utils.ErrValidation)
	}
	for _, entry := range entries {
		if entry.Amount.IsNegative() {
			return nil, fmt.Errorf("amount must not be negative: %w", utils.ErrValidation)
		}
	}
	if err := o.checkParent(ctx, parentId); err != nil {
		config.LogError(o.Logger, moduleName, "Liquidate", "check parent", parentId, err)
		return nil, err
	}

	parent, err := o.Store.GetVoucher(ctx, parentId)
	if err != nil {
		return nil, err
	}

	children := make([]*models.Voucher, 0, len(entries))
	err = o.Store.Transact(ctx, func(tx Store) error {
		for _, entry := range entries {
			number, err := o.NextVoucherNumber(ctx, models.TransactionTypeExpense, time.Now())
			if err != nil {
				return err
			}
			pid := parentId
			child := &models.Voucher{
				VoucherNumber:   number,
				TransactionType: models.TransactionTypeExpense,
				SourceModule:    parent.SourceModule,
				Amount:          entry.Amount,
				Currency:        parent.Currency,
				RequestorId:     actor.Id,
				RequestorName:   actor.Name,
				VendorName:      entry.VendorName,
				ProjectNumber:   entry.ProjectNumber,
				Purpose:         entry.Purpose,
				Status:          models.VoucherStatusDraft,
				ParentVoucherId: &pid,
				Version:         1,
			}
			if err := tx.CreateVoucher(ctx, child); err != nil {
				return err
			}
			children = append(children, child)
		}
		return nil
	})
	if err != nil {
		config.LogError(o.Logger, moduleName, "Liquidate", "create children", parentId, err)
		return nil, err
	}
	return children, nil
}

// GetLiquidationSummary sums the Posted expense children of a parent.
// OverLiquidated may be negative, meaning the budget is under-used.
func (o *Orchestrator) GetLiquidationSummary(ctx context.Context, parentId int) (*LiquidationSummary, error) {
	parent, err := o.Store.GetVoucher(ctx, parentId)
	if err != nil {
		return nil, err
	}
	if !parent.TransactionType.IsLiquidatable() {
		return nil, fmt.Errorf("voucher %d is %s: %w", parentId, parent.TransactionType, utils.ErrInvalidParent)
	}

	children, err := o.Store.ListVouchersByParent(ctx, parentId)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, child := range children {
		if child.Status == models.VoucherStatusPosted {
			total = total.Add(child.Amount)
		}
	}

	return &LiquidationSummary{
		ParentVoucherId: parentId,
		ParentAmount:    parent.Amount,
		TotalLiquidated: total,
		OverLiquidated:  total.Sub(parent.Amount),
		Children:        children,
	}, nil
}
