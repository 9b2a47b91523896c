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

// paidTolerance closes a billing whose outstanding balance is within
// one cent of zero.
var paidTolerance = decimal.NewFromFloat(0.01)

// StatementResult is what GenerateStatement hands back to the caller.
type StatementResult struct {
	StatementReference string            `json:"statement_reference"`
	Members            []*models.Voucher `json:"members"`
}

func checkStatementEligibility(voucher *models.Voucher) error {
	if !voucher.IsBilling() {
		return fmt.Errorf("voucher %d is %s, not billing: %w", voucher.ID, voucher.TransactionType, utils.ErrIneligibleItem)
	}
	if voucher.Status != models.VoucherStatusDraft {
		return fmt.Errorf("voucher %d is %s, not Draft: %w", voucher.ID, voucher.Status, utils.ErrIneligibleItem)
	}
	if voucher.StatementReference != nil {
		return fmt.Errorf("voucher %d already belongs to statement %s: %w", voucher.ID, *voucher.StatementReference, utils.ErrIneligibleItem)
	}
	return nil
}

// GenerateStatement groups Draft, unbilled billing vouchers under a
// freshly allocated SOA reference. All-or-nothing: one ineligible id
// fails the whole call and no statement is created. Per-voucher
// version checks make a concurrent claim of the same id lose with
// ErrConcurrentModification instead of overwriting.
func (o *Orchestrator) GenerateStatement(ctx context.Context, voucherIds []int, actor models.Actor) (*StatementResult, error) {
	if len(voucherIds) == 0 {
		return nil, fmt.Errorf("voucher ids are required: %w", utils.ErrValidation)
	}
	voucherIds = utils.UniqueSlice(voucherIds)

	if !o.CanApprove(actor, models.TransactionTypeBilling) {
		return nil, fmt.Errorf("generate-statement requires approval authority: %w", utils.ErrUnauthorized)
	}

	// Pre-check outside the transaction for a cheap early failure; the
	// authoritative check repeats on the rows read inside it.
	vouchers, err := o.Store.ListVouchersByIds(ctx, voucherIds)
	if err != nil {
		return nil, err
	}
	if len(vouchers) != len(voucherIds) {
		return nil, fmt.Errorf("%d of %d vouchers found: %w", len(vouchers), len(voucherIds), utils.ErrorRecordNotFound)
	}
	for _, voucher := range vouchers {
		if err := checkStatementEligibility(voucher); err != nil {
			return nil, err
		}
	}

	reference, err := o.NextStatementReference(ctx, time.Now())
	if err != nil {
		config.LogError(o.Logger, moduleName, "GenerateStatement", "allocate reference", voucherIds, err)
		return nil, err
	}

	result := &StatementResult{StatementReference: reference}
	err = o.Store.Transact(ctx, func(tx Store) error {
		members, err := tx.ListVouchersByIds(ctx, voucherIds)
		if err != nil {
			return err
		}
		if len(members) != len(voucherIds) {
			return fmt.Errorf("%d of %d vouchers found: %w", len(members), len(voucherIds), utils.ErrorRecordNotFound)
		}

		if err := tx.CreateStatement(ctx, &models.Statement{
			Reference:       reference,
			GeneratedById:   actor.Id,
			GeneratedByName: actor.Name,
		}); err != nil {
			return err
		}

		for _, voucher := range members {
			if err := checkStatementEligibility(voucher); err != nil {
				return err
			}
			expectedVersion := voucher.Version
			if err := ApplyTransition(voucher, models.ActionGenerateStatement, actor, "", o.CanApprove); err != nil {
				return err
			}
			ref := reference
			voucher.StatementReference = &ref
			voucher.BillingStatus = models.BillingStatusBilled
			voucher.RemainingBalance = voucher.Amount
			if err := tx.SaveVoucher(ctx, voucher, expectedVersion); err != nil {
				return err
			}
		}
		result.Members = members
		return nil
	})
	if err != nil {
		config.LogError(o.Logger, moduleName, "GenerateStatement", reference, voucherIds, err)
		return nil, err
	}
	return result, nil
}

func nextBillingStatus(remaining decimal.Decimal, amount decimal.Decimal) models.BillingStatus {
	if remaining.LessThanOrEqual(paidTolerance) {
		return models.BillingStatusPaid
	}
	if remaining.LessThan(amount) {
		return models.BillingStatusPartial
	}
	return models.BillingStatusBilled
}

// AllocateCollection applies a collection voucher's lines against the
// billings they reference, in line order. One failing line rolls the
// whole allocation back. A collection applies exactly once; the repeat
// call fails ErrAlreadyPosted.
func (o *Orchestrator) AllocateCollection(ctx context.Context, collectionId int) (*models.Voucher, error) {
	var result *models.Voucher
	err := o.Store.Transact(ctx, func(tx Store) error {
		collection, err := tx.GetVoucher(ctx, collectionId)
		if err != nil {
			return err
		}
		if !collection.IsCollection() {
			return fmt.Errorf("voucher %d is %s, not collection: %w", collection.ID, collection.TransactionType, utils.ErrTypeMismatch)
		}
		if collection.AllocatedAt != nil {
			return fmt.Errorf("collection %d already allocated: %w", collection.ID, utils.ErrAlreadyPosted)
		}
		if len(collection.CollectionLines) == 0 {
			return fmt.Errorf("collection %d has no lines: %w", collection.ID, utils.ErrValidation)
		}

		for _, line := range collection.CollectionLines {
			if !line.Amount.IsPositive() {
				return fmt.Errorf("collection line amount %s must be positive: %w", line.Amount.String(), utils.ErrValidation)
			}
			billing, err := tx.GetVoucher(ctx, line.BillingId)
			if err != nil {
				return fmt.Errorf("billing %d: %w", line.BillingId, utils.ErrorRecordNotFound)
			}
			if !billing.IsBilling() {
				return fmt.Errorf("voucher %d is %s, not billing: %w", billing.ID, billing.TransactionType, utils.ErrTypeMismatch)
			}
			if line.Amount.GreaterThan(billing.RemainingBalance) {
				return fmt.Errorf("allocation %s exceeds remaining %s on billing %d: %w",
					line.Amount.String(), billing.RemainingBalance.String(), billing.ID, utils.ErrOverAllocation)
			}

			expectedVersion := billing.Version
			billing.RemainingBalance = billing.RemainingBalance.Sub(line.Amount)
			billing.BillingStatus = nextBillingStatus(billing.RemainingBalance, billing.Amount)
			if err := tx.SaveVoucher(ctx, billing, expectedVersion); err != nil {
				return err
			}
		}

		now := time.Now()
		expectedVersion := collection.Version
		collection.AllocatedAt = &now
		if err := tx.SaveVoucher(ctx, collection, expectedVersion); err != nil {
			return err
		}
		result = collection
		return nil
	})
	if err != nil {
		config.LogError(o.Logger, moduleName, "AllocateCollection", "allocate", collectionId, err)
		return nil, err
	}
	return result, nil
}

// ledgerPostingPayload is the message body handed to the ledger
// collaborator through the outbox.
type ledgerPostingPayload struct {
	StatementReference string   `json:"statement_reference"`
	VoucherNumbers     []string `json:"voucher_numbers"`
	TotalAmount        string   `json:"total_amount"`
	Currency           string   `json:"currency"`
	FinalizedById      int      `json:"finalized_by_id"`
	FinalizedByName    string   `json:"finalized_by_name"`
	FinalizedAt        string   `json:"finalized_at"`
}

// FinalizeStatement marks every member voucher posted-to-ledger and
// emits exactly one ledger posting for the statement. Terminal: a
// second call fails ErrAlreadyPosted without touching any member.
func (o *Orchestrator) FinalizeStatement(ctx context.Context, reference string, actor models.Actor) error {
	if !o.CanApprove(actor, models.TransactionTypeBilling) {
		return fmt.Errorf("finalize-statement requires approval authority: %w", utils.ErrUnauthorized)
	}

	err := o.Store.Transact(ctx, func(tx Store) error {
		statement, err := tx.GetStatement(ctx, reference)
		if err != nil {
			return err
		}
		if statement.PostedToLedger {
			return fmt.Errorf("statement %s: %w", reference, utils.ErrAlreadyPosted)
		}

		members, err := tx.ListBillingsByStatement(ctx, reference)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return fmt.Errorf("statement %s has no members: %w", reference, utils.ErrorRecordNotFound)
		}

		now := time.Now()
		total := decimal.Zero
		currency := ""
		numbers := make([]string, 0, len(members))
		for _, voucher := range members {
			// A member cancelled after generation drops out of the
			// posting; it keeps its reference for the audit trail but
			// contributes nothing to the ledger total.
			if voucher.Status == models.VoucherStatusCancelled {
				continue
			}
			if voucher.PostedToLedger {
				return fmt.Errorf("voucher %d already posted to ledger: %w", voucher.ID, utils.ErrAlreadyPosted)
			}
			expectedVersion := voucher.Version
			if voucher.Status == models.VoucherStatusPending {
				if err := ApplyTransition(voucher, models.ActionFinalizeStatement, actor, "", o.CanApprove); err != nil {
					return err
				}
			}
			voucher.PostedToLedger = true
			if err := tx.SaveVoucher(ctx, voucher, expectedVersion); err != nil {
				return err
			}
			total = total.Add(voucher.Amount)
			currency = voucher.Currency
			numbers = append(numbers, voucher.VoucherNumber)
		}
		if len(numbers) == 0 {
			return fmt.Errorf("statement %s has no postable members: %w", reference, utils.ErrIneligibleItem)
		}

		statement.PostedToLedger = true
		statement.PostedAt = &now
		if err := tx.SaveStatement(ctx, statement); err != nil {
			return err
		}

		payload, err := utils.MarshalToJSON(ledgerPostingPayload{
			StatementReference: reference,
			VoucherNumbers:     numbers,
			TotalAmount:        total.String(),
			Currency:           currency,
			FinalizedById:      actor.Id,
			FinalizedByName:    actor.Name,
			FinalizedAt:        now.Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		return tx.EnqueueLedgerPosting(ctx, &models.LedgerPostingRecord{
			StatementReference: reference,
			Payload:            payload,
			PublishStatus:      models.OutboxPublishStatusPending,
			CorrelationId:      correlationId,
		})
	})
	if err != nil {
		config.LogError(o.Logger, moduleName, "FinalizeStatement", reference, actor, err)
		return err
	}
	return nil
}
