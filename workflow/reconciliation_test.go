package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
)

func newCollectionInput(lines []models.CollectionLine) *NewVoucherInput {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Amount)
	}
	return &NewVoucherInput{
		TransactionType: models.TransactionTypeCollection,
		SourceModule:    "collection-form",
		Amount:          total,
		Currency:        "MMK",
		CustomerId:      77,
		CustomerName:    "Golden Freight Co",
		Purpose:         "payment received",
		CollectionLines: lines,
	}
}

// Follows a full billing cycle: two billings grouped into one
// statement, then partial and final collections against the first,
// then an over-allocation attempt.
func TestBillingCollectionCycle(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()

	a, err := o.CreateVoucher(ctx, newBillingInput(10000), testRequestor)
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	b, err := o.CreateVoucher(ctx, newBillingInput(5000), testRequestor)
	if err != nil {
		t.Fatalf("create B: %v", err)
	}

	result, err := o.GenerateStatement(ctx, []int{a.ID, b.ID}, testAccountant)
	if err != nil {
		t.Fatalf("generate statement: %v", err)
	}
	if result.StatementReference == "" {
		t.Fatalf("expected a statement reference")
	}
	if len(result.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(result.Members))
	}
	for _, m := range result.Members {
		if m.BillingStatus != models.BillingStatusBilled {
			t.Fatalf("member %d: expected billed, got %s", m.ID, m.BillingStatus)
		}
		if m.Status != models.VoucherStatusPending {
			t.Fatalf("member %d: expected Pending, got %s", m.ID, m.Status)
		}
		if !m.RemainingBalance.Equal(m.Amount) {
			t.Fatalf("member %d: remaining %s != amount %s", m.ID, m.RemainingBalance, m.Amount)
		}
		if m.StatementReference == nil || *m.StatementReference != result.StatementReference {
			t.Fatalf("member %d: wrong statement reference", m.ID)
		}
	}

	// First collection: 6000 against A leaves 4000, partial.
	c1, err := o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
		{BillingId: a.ID, Amount: decimal.NewFromInt(6000)},
	}), testRequestor)
	if err != nil {
		t.Fatalf("create collection 1: %v", err)
	}
	if _, err := o.AllocateCollection(ctx, c1.ID); err != nil {
		t.Fatalf("allocate 1: %v", err)
	}

	reloaded, _ := o.Store.GetVoucher(ctx, a.ID)
	if !reloaded.RemainingBalance.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("expected remaining 4000, got %s", reloaded.RemainingBalance)
	}
	if reloaded.BillingStatus != models.BillingStatusPartial {
		t.Fatalf("expected partial, got %s", reloaded.BillingStatus)
	}

	// Second collection: the remaining 4000 closes A.
	c2, _ := o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
		{BillingId: a.ID, Amount: decimal.NewFromInt(4000)},
	}), testRequestor)
	if _, err := o.AllocateCollection(ctx, c2.ID); err != nil {
		t.Fatalf("allocate 2: %v", err)
	}

	reloaded, _ = o.Store.GetVoucher(ctx, a.ID)
	if !reloaded.RemainingBalance.IsZero() {
		t.Fatalf("expected remaining 0, got %s", reloaded.RemainingBalance)
	}
	if reloaded.BillingStatus != models.BillingStatusPaid {
		t.Fatalf("expected paid, got %s", reloaded.BillingStatus)
	}

	// One more unit is over-allocation.
	c3, _ := o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
		{BillingId: a.ID, Amount: decimal.NewFromInt(1)},
	}), testRequestor)
	if _, err := o.AllocateCollection(ctx, c3.ID); !errors.Is(err, utils.ErrOverAllocation) {
		t.Fatalf("expected ErrOverAllocation, got %v", err)
	}
}

func TestGenerateStatementAllOrNothing(t *testing.T) {
	o, store := newTestOrchestrator()
	ctx := context.Background()

	billing, _ := o.CreateVoucher(ctx, newBillingInput(1000), testRequestor)
	expense, _ := o.CreateVoucher(ctx, newExpenseInput(500), testRequestor)

	_, err := o.GenerateStatement(ctx, []int{billing.ID, expense.ID}, testAccountant)
	if !errors.Is(err, utils.ErrIneligibleItem) {
		t.Fatalf("expected ErrIneligibleItem, got %v", err)
	}

	// The eligible billing must be left untouched.
	reloaded, _ := store.GetVoucher(ctx, billing.ID)
	if reloaded.StatementReference != nil {
		t.Fatalf("billing claimed by a failed statement call")
	}
	if reloaded.Status != models.VoucherStatusDraft {
		t.Fatalf("expected Draft, got %s", reloaded.Status)
	}
}

func TestGenerateStatementRejectsClaimedBilling(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()

	billing, _ := o.CreateVoucher(ctx, newBillingInput(1000), testRequestor)
	if _, err := o.GenerateStatement(ctx, []int{billing.ID}, testAccountant); err != nil {
		t.Fatalf("first generate: %v", err)
	}

	_, err := o.GenerateStatement(ctx, []int{billing.ID}, testAccountant)
	if !errors.Is(err, utils.ErrIneligibleItem) {
		t.Fatalf("expected ErrIneligibleItem for claimed billing, got %v", err)
	}
}

// Two accountants race over overlapping unbilled pools. Exactly one
// statement may claim the shared billing; the loser must fail, never
// silently overwrite.
func TestGenerateStatementConcurrentOverlap(t *testing.T) {
	for run := 0; run < 50; run++ {
		o, store := newTestOrchestrator()
		ctx := context.Background()

		shared, _ := o.CreateVoucher(ctx, newBillingInput(10000), testRequestor)
		left, _ := o.CreateVoucher(ctx, newBillingInput(2000), testRequestor)
		right, _ := o.CreateVoucher(ctx, newBillingInput(3000), testRequestor)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		refs := make([]string, 2)
		sets := [][]int{{left.ID, shared.ID}, {shared.ID, right.ID}}
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result, err := o.GenerateStatement(ctx, sets[i], testAccountant)
				errs[i] = err
				if err == nil {
					refs[i] = result.StatementReference
				}
			}(i)
		}
		wg.Wait()

		winners := 0
		for i := 0; i < 2; i++ {
			if errs[i] == nil {
				winners++
				continue
			}
			if !errors.Is(errs[i], utils.ErrIneligibleItem) && !errors.Is(errs[i], utils.ErrConcurrentModification) {
				t.Fatalf("run=%d loser failed with unexpected error: %v", run, errs[i])
			}
		}
		if winners != 1 {
			t.Fatalf("run=%d expected exactly 1 winner, got %d", run, winners)
		}

		reloaded, _ := store.GetVoucher(ctx, shared.ID)
		if reloaded.StatementReference == nil {
			t.Fatalf("run=%d shared billing lost its claim", run)
		}
		claims := 0
		for i := 0; i < 2; i++ {
			if refs[i] != "" && refs[i] == *reloaded.StatementReference {
				claims++
			}
		}
		if claims != 1 {
			t.Fatalf("run=%d shared billing referenced by %d statements", run, claims)
		}

		// Losers must leave their non-shared member untouched.
		for i, id := range []int{left.ID, right.ID} {
			if errs[i] == nil {
				continue
			}
			v, _ := store.GetVoucher(ctx, id)
			if v.StatementReference != nil {
				t.Fatalf("run=%d loser partially claimed voucher %d", run, id)
			}
		}
	}
}

func TestAllocateCollectionRollsBackAcrossLines(t *testing.T) {
	o, store := newTestOrchestrator()
	ctx := context.Background()

	a, _ := o.CreateVoucher(ctx, newBillingInput(1000), testRequestor)
	b, _ := o.CreateVoucher(ctx, newBillingInput(500), testRequestor)
	if _, err := o.GenerateStatement(ctx, []int{a.ID, b.ID}, testAccountant); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Second line over-allocates; the first line's decrement must roll
	// back with it.
	c, _ := o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
		{BillingId: a.ID, Amount: decimal.NewFromInt(400)},
		{BillingId: b.ID, Amount: decimal.NewFromInt(600)},
	}), testRequestor)
	if _, err := o.AllocateCollection(ctx, c.ID); !errors.Is(err, utils.ErrOverAllocation) {
		t.Fatalf("expected ErrOverAllocation, got %v", err)
	}

	reloaded, _ := store.GetVoucher(ctx, a.ID)
	if !reloaded.RemainingBalance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("partial allocation leaked: remaining %s", reloaded.RemainingBalance)
	}
	if reloaded.BillingStatus != models.BillingStatusBilled {
		t.Fatalf("partial allocation leaked: status %s", reloaded.BillingStatus)
	}
}

func TestAllocateCollectionTypeChecks(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()

	expense, _ := o.CreateVoucher(ctx, newExpenseInput(100), testRequestor)
	if _, err := o.AllocateCollection(ctx, expense.ID); !errors.Is(err, utils.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for non-collection, got %v", err)
	}

	c, _ := o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
		{BillingId: 9999, Amount: decimal.NewFromInt(10)},
	}), testRequestor)
	if _, err := o.AllocateCollection(ctx, c.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound for missing billing, got %v", err)
	}

	c2, _ := o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
		{BillingId: expense.ID, Amount: decimal.NewFromInt(10)},
	}), testRequestor)
	if _, err := o.AllocateCollection(ctx, c2.ID); !errors.Is(err, utils.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for non-billing target, got %v", err)
	}
}

// Money conservation: remaining_balance plus the sum of applied
// allocations always equals the billing amount.
func TestAllocationConservesMoney(t *testing.T) {
	o, store := newTestOrchestrator()
	ctx := context.Background()

	billing, _ := o.CreateVoucher(ctx, newBillingInput(10000), testRequestor)
	if _, err := o.GenerateStatement(ctx, []int{billing.ID}, testAccountant); err != nil {
		t.Fatalf("generate: %v", err)
	}

	allocated := decimal.Zero
	amounts := []int64{2500, 100, 7399, 5000, 1, 100}
	for _, amt := range amounts {
		c, _ := o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
			{BillingId: billing.ID, Amount: decimal.NewFromInt(amt)},
		}), testRequestor)
		_, err := o.AllocateCollection(ctx, c.ID)
		if err == nil {
			allocated = allocated.Add(decimal.NewFromInt(amt))
		} else if !errors.Is(err, utils.ErrOverAllocation) {
			t.Fatalf("unexpected error: %v", err)
		}

		reloaded, _ := store.GetVoucher(ctx, billing.ID)
		if !reloaded.RemainingBalance.Add(allocated).Equal(reloaded.Amount) {
			t.Fatalf("conservation violated: remaining %s + allocated %s != %s",
				reloaded.RemainingBalance, allocated, reloaded.Amount)
		}
	}
}

func TestFinalizeStatement(t *testing.T) {
	o, store := newTestOrchestrator()
	ctx := context.Background()

	a, _ := o.CreateVoucher(ctx, newBillingInput(10000), testRequestor)
	b, _ := o.CreateVoucher(ctx, newBillingInput(5000), testRequestor)
	result, err := o.GenerateStatement(ctx, []int{a.ID, b.ID}, testAccountant)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if err := o.FinalizeStatement(ctx, result.StatementReference, testAccountant); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	for _, id := range []int{a.ID, b.ID} {
		v, _ := store.GetVoucher(ctx, id)
		if !v.PostedToLedger {
			t.Fatalf("voucher %d not marked posted to ledger", id)
		}
		if v.Status != models.VoucherStatusPosted {
			t.Fatalf("voucher %d: expected Posted, got %s", id, v.Status)
		}
	}
	if store.outboxLen() != 1 {
		t.Fatalf("expected exactly 1 ledger posting, got %d", store.outboxLen())
	}

	// Re-finalizing must fail AlreadyPosted without touching members
	// or emitting a second posting.
	beforeA, _ := store.GetVoucher(ctx, a.ID)
	err = o.FinalizeStatement(ctx, result.StatementReference, testAccountant)
	if !errors.Is(err, utils.ErrAlreadyPosted) {
		t.Fatalf("expected ErrAlreadyPosted, got %v", err)
	}
	afterA, _ := store.GetVoucher(ctx, a.ID)
	if !beforeA.RemainingBalance.Equal(afterA.RemainingBalance) || beforeA.Version != afterA.Version {
		t.Fatalf("re-finalize mutated a member")
	}
	if store.outboxLen() != 1 {
		t.Fatalf("re-finalize duplicated the ledger posting: %d", store.outboxLen())
	}
}

func TestFinalizeRequiresAuthority(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()

	billing, _ := o.CreateVoucher(ctx, newBillingInput(100), testRequestor)
	result, _ := o.GenerateStatement(ctx, []int{billing.ID}, testAccountant)

	if err := o.FinalizeStatement(ctx, result.StatementReference, testRequestor); !errors.Is(err, utils.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !errors.Is(o.FinalizeStatement(ctx, "SOA-19700101-0001", testAccountant), utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound for unknown reference")
	}
}

func TestCollectionLineAmountsMustBePositive(t *testing.T) {
	o, store := newTestOrchestrator()
	ctx := context.Background()

	billing, _ := o.CreateVoucher(ctx, newBillingInput(10000), testRequestor)
	if _, err := o.GenerateStatement(ctx, []int{billing.ID}, testAccountant); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// A negative line hidden behind a positive total must be rejected.
	_, err := o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
		{BillingId: billing.ID, Amount: decimal.NewFromInt(6000)},
		{BillingId: billing.ID, Amount: decimal.NewFromInt(-5000)},
	}), testRequestor)
	if !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("negative line: expected validation error, got %v", err)
	}
	_, err = o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
		{BillingId: billing.ID, Amount: decimal.Zero},
	}), testRequestor)
	if !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("zero line: expected validation error, got %v", err)
	}

	// A bad line that slipped into storage is still refused at
	// allocation time, before any billing is touched.
	bad := &models.Voucher{
		VoucherNumber:   "TST-2026-90001",
		TransactionType: models.TransactionTypeCollection,
		Currency:        "MMK",
		RequestorId:     testRequestor.Id,
		Status:          models.VoucherStatusDraft,
		Amount:          decimal.NewFromInt(1000),
		CollectionLines: []models.CollectionLine{
			{BillingId: billing.ID, Amount: decimal.NewFromInt(6000)},
			{BillingId: billing.ID, Amount: decimal.NewFromInt(-5000)},
		},
	}
	if err := store.CreateVoucher(ctx, bad); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := o.AllocateCollection(ctx, bad.ID); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("allocate: expected validation error, got %v", err)
	}

	reloaded, _ := store.GetVoucher(ctx, billing.ID)
	if !reloaded.RemainingBalance.Equal(reloaded.Amount) {
		t.Fatalf("billing remaining %s changed; want %s", reloaded.RemainingBalance, reloaded.Amount)
	}
}

func TestAllocateCollectionAppliesOnce(t *testing.T) {
	o, store := newTestOrchestrator()
	ctx := context.Background()

	billing, _ := o.CreateVoucher(ctx, newBillingInput(10000), testRequestor)
	if _, err := o.GenerateStatement(ctx, []int{billing.ID}, testAccountant); err != nil {
		t.Fatalf("generate: %v", err)
	}

	c, err := o.CreateVoucher(ctx, newCollectionInput([]models.CollectionLine{
		{BillingId: billing.ID, Amount: decimal.NewFromInt(3000)},
	}), testRequestor)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	applied, err := o.AllocateCollection(ctx, c.ID)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if applied.AllocatedAt == nil {
		t.Fatalf("allocation not stamped on the collection")
	}

	if _, err := o.AllocateCollection(ctx, c.ID); !errors.Is(err, utils.ErrAlreadyPosted) {
		t.Fatalf("repeat allocate: expected AlreadyPosted, got %v", err)
	}

	reloaded, _ := store.GetVoucher(ctx, billing.ID)
	if !reloaded.RemainingBalance.Equal(decimal.NewFromInt(7000)) {
		t.Fatalf("remaining %s; want 7000 (lines applied exactly once)", reloaded.RemainingBalance)
	}
	if reloaded.BillingStatus != models.BillingStatusPartial {
		t.Fatalf("expected partial, got %s", reloaded.BillingStatus)
	}
}

func TestFinalizeSkipsCancelledMembers(t *testing.T) {
	o, store := newTestOrchestrator()
	ctx := context.Background()

	a, _ := o.CreateVoucher(ctx, newBillingInput(10000), testRequestor)
	b, _ := o.CreateVoucher(ctx, newBillingInput(5000), testRequestor)
	result, err := o.GenerateStatement(ctx, []int{a.ID, b.ID}, testAccountant)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := o.Cancel(ctx, a.ID, testRequestor); err != nil {
		t.Fatalf("cancel member: %v", err)
	}

	if err := o.FinalizeStatement(ctx, result.StatementReference, testAccountant); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	cancelled, _ := store.GetVoucher(ctx, a.ID)
	if cancelled.PostedToLedger {
		t.Fatalf("cancelled member must not be posted to the ledger")
	}
	if cancelled.Status != models.VoucherStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", cancelled.Status)
	}
	posted, _ := store.GetVoucher(ctx, b.ID)
	if !posted.PostedToLedger || posted.Status != models.VoucherStatusPosted {
		t.Fatalf("surviving member not posted: posted_to_ledger=%v status=%s", posted.PostedToLedger, posted.Status)
	}

	records := store.outboxRecords()
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 ledger posting, got %d", len(records))
	}
	var payload struct {
		VoucherNumbers []string `json:"voucher_numbers"`
		TotalAmount    string   `json:"total_amount"`
	}
	if err := json.Unmarshal([]byte(records[0].Payload), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.VoucherNumbers) != 1 || payload.VoucherNumbers[0] != posted.VoucherNumber {
		t.Fatalf("payload numbers %v; want only %s", payload.VoucherNumbers, posted.VoucherNumber)
	}
	if payload.TotalAmount != "5000" {
		t.Fatalf("payload total %s; want 5000", payload.TotalAmount)
	}
}

func TestFinalizeFailsWhenEveryMemberCancelled(t *testing.T) {
	o, store := newTestOrchestrator()
	ctx := context.Background()

	billing, _ := o.CreateVoucher(ctx, newBillingInput(10000), testRequestor)
	result, err := o.GenerateStatement(ctx, []int{billing.ID}, testAccountant)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := o.Cancel(ctx, billing.ID, testRequestor); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	err = o.FinalizeStatement(ctx, result.StatementReference, testAccountant)
	if !errors.Is(err, utils.ErrIneligibleItem) {
		t.Fatalf("expected IneligibleItem, got %v", err)
	}
	statement, _ := store.GetStatement(ctx, result.StatementReference)
	if statement.PostedToLedger {
		t.Fatalf("statement must not be posted when nothing is postable")
	}
}
