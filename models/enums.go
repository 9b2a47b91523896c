package models

type TransactionType string

const (
	TransactionTypeExpense       TransactionType = "Expense"
	TransactionTypeBudgetRequest TransactionType = "BudgetRequest"
	TransactionTypeCashAdvance   TransactionType = "CashAdvance"
	TransactionTypeCollection    TransactionType = "Collection"
	TransactionTypeBilling       TransactionType = "Billing"
	TransactionTypeAdjustment    TransactionType = "Adjustment"
	TransactionTypeReimbursement TransactionType = "Reimbursement"
)

var validTransactionTypes = map[TransactionType]bool{
	TransactionTypeExpense:       true,
	TransactionTypeBudgetRequest: true,
	TransactionTypeCashAdvance:   true,
	TransactionTypeCollection:    true,
	TransactionTypeBilling:       true,
	TransactionTypeAdjustment:    true,
	TransactionTypeReimbursement: true,
}

func (t TransactionType) IsValid() bool {
	return validTransactionTypes[t]
}

// IsLiquidatable reports whether vouchers of this type can act as the
// parent of a liquidation (consumed by later expense vouchers).
func (t TransactionType) IsLiquidatable() bool {
	return t == TransactionTypeBudgetRequest || t == TransactionTypeCashAdvance
}

type VoucherStatus string

const (
	VoucherStatusDraft     VoucherStatus = "Draft"
	VoucherStatusPending   VoucherStatus = "Pending"
	VoucherStatusPosted    VoucherStatus = "Posted"
	VoucherStatusRejected  VoucherStatus = "Rejected"
	VoucherStatusCancelled VoucherStatus = "Cancelled"
)

var terminalVoucherStatuses = map[VoucherStatus]bool{
	VoucherStatusPosted:    true,
	VoucherStatusRejected:  true,
	VoucherStatusCancelled: true,
}

// IsTerminal reports whether the approval axis is frozen.
func (s VoucherStatus) IsTerminal() bool {
	return terminalVoucherStatuses[s]
}

type BillingStatus string

const (
	BillingStatusUnbilled BillingStatus = "Unbilled"
	BillingStatusBilled   BillingStatus = "Billed"
	BillingStatusPartial  BillingStatus = "Partial"
	BillingStatusPaid     BillingStatus = "Paid"
)

type WorkflowAction string

const (
	ActionSubmit            WorkflowAction = "submit"
	ActionApprove           WorkflowAction = "approve"
	ActionAutoApprove       WorkflowAction = "auto-approve"
	ActionReject            WorkflowAction = "reject"
	ActionCancel            WorkflowAction = "cancel"
	ActionGenerateStatement WorkflowAction = "generate-statement"
	ActionFinalizeStatement WorkflowAction = "finalize-statement"
)

type UserRole string

const (
	UserRoleRequestor  UserRole = "Requestor"
	UserRoleAccounting UserRole = "Accounting"
	UserRoleExecutive  UserRole = "Executive"
	UserRoleAdmin      UserRole = "Admin"
)

func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleRequestor, UserRoleAccounting, UserRoleExecutive, UserRoleAdmin:
		return true
	}
	return false
}

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending   OutboxPublishStatus = "PENDING"
	OutboxPublishStatusPublished OutboxPublishStatus = "PUBLISHED"
	OutboxPublishStatusFailed    OutboxPublishStatus = "FAILED"
)
