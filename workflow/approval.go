package workflow

import (
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
)

// Authority answers whether an actor may approve vouchers of the
// given transaction type. Injected so authority rules can change
// without touching the transition logic.
type Authority func(actor models.Actor, transactionType models.TransactionType) bool

// DefaultAuthority grants approval access to Accounting and Executive
// for every transaction type. Admin approves as well.
func DefaultAuthority(actor models.Actor, _ models.TransactionType) bool {
	switch actor.Role {
	case models.UserRoleAccounting, models.UserRoleExecutive, models.UserRoleAdmin:
		return true
	}
	return false
}

type transitionKey struct {
	from   models.VoucherStatus
	action models.WorkflowAction
}

// validTransitions is the whole approval-axis state machine. Anything
// not in this table is ErrInvalidTransition. Terminal states have no
// outgoing rows.
var validTransitions = map[transitionKey]models.VoucherStatus{
	{models.VoucherStatusDraft, models.ActionSubmit}:      models.VoucherStatusPending,
	{models.VoucherStatusDraft, models.ActionAutoApprove}: models.VoucherStatusPosted,
	{models.VoucherStatusDraft, models.ActionCancel}:      models.VoucherStatusCancelled,

	{models.VoucherStatusPending, models.ActionApprove}: models.VoucherStatusPosted,
	{models.VoucherStatusPending, models.ActionReject}:  models.VoucherStatusRejected,
	{models.VoucherStatusPending, models.ActionCancel}:  models.VoucherStatusCancelled,

	// Statement-driven transitions on billing vouchers.
	{models.VoucherStatusDraft, models.ActionGenerateStatement}:   models.VoucherStatusPending,
	{models.VoucherStatusPending, models.ActionFinalizeStatement}: models.VoucherStatusPosted,
}

// NextStatus resolves the target status for (from, action) without
// applying anything.
func NextStatus(from models.VoucherStatus, action models.WorkflowAction) (models.VoucherStatus, error) {
	to, ok := validTransitions[transitionKey{from, action}]
	if !ok {
		return "", fmt.Errorf("%s from %s: %w", action, from, utils.ErrInvalidTransition)
	}
	return to, nil
}

// checkActorGate enforces the per-action actor requirement. It never
// mutates the voucher.
func checkActorGate(voucher *models.Voucher, action models.WorkflowAction, actor models.Actor, canApprove Authority) error {
	switch action {
	case models.ActionSubmit:
		if actor.Id != voucher.RequestorId {
			return fmt.Errorf("submit requires the requestor: %w", utils.ErrUnauthorized)
		}
	case models.ActionApprove, models.ActionAutoApprove:
		if !canApprove(actor, voucher.TransactionType) {
			return fmt.Errorf("%s requires approval authority: %w", action, utils.ErrUnauthorized)
		}
	case models.ActionReject:
		if !canApprove(actor, voucher.TransactionType) {
			return fmt.Errorf("reject requires approval authority: %w", utils.ErrUnauthorized)
		}
	case models.ActionCancel:
		if actor.Id != voucher.RequestorId && !actor.IsAdmin() {
			return fmt.Errorf("cancel requires the requestor or an admin: %w", utils.ErrUnauthorized)
		}
	case models.ActionGenerateStatement, models.ActionFinalizeStatement:
		if !canApprove(actor, voucher.TransactionType) {
			return fmt.Errorf("%s requires approval authority: %w", action, utils.ErrUnauthorized)
		}
	default:
		return fmt.Errorf("unknown action %s: %w", action, utils.ErrValidation)
	}
	return nil
}

// ApplyTransition validates the requested transition and applies it to
// the in-memory voucher, appending exactly one history entry. The
// caller persists the result; on any error the voucher is untouched.
//
// Check order: transition validity, then action-specific input
// validation, then the actor gate. Rejection with an empty reason
// fails before any mutation.
func ApplyTransition(voucher *models.Voucher, action models.WorkflowAction, actor models.Actor, remarks string, canApprove Authority) error {
	to, err := NextStatus(voucher.Status, action)
	if err != nil {
		return err
	}

	if action == models.ActionReject && remarks == "" {
		return fmt.Errorf("rejection requires a reason: %w", utils.ErrValidation)
	}

	if err := checkActorGate(voucher, action, actor, canApprove); err != nil {
		return err
	}

	from := voucher.Status
	voucher.Status = to

	now := time.Now()
	if action == models.ActionApprove || action == models.ActionAutoApprove {
		voucher.Approvers = append(voucher.Approvers, models.VoucherApprover{
			VoucherId:    voucher.ID,
			ApproverId:   actor.Id,
			ApproverName: actor.Name,
			ApproverRole: string(actor.Role),
			ApprovedAt:   &now,
			Remarks:      remarks,
		})
	}

	voucher.WorkflowHistory = append(voucher.WorkflowHistory, models.WorkflowEntry{
		VoucherId:  voucher.ID,
		FromStatus: from,
		ToStatus:   to,
		Action:     action,
		ActorId:    actor.Id,
		ActorName:  actor.Name,
		Remarks:    remarks,
		CreatedAt:  now,
	})

	return nil
}
