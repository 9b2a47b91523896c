package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NOTE: These tests are intentionally DB-free. memStore implements
// Store over maps with snapshot rollback, so the engine semantics
// (version checks, all-or-nothing batches) are validated without
// MySQL. Full DB integration tests require INTEGRATION_TESTS=1 and a
// real database.

type memData struct {
	vouchers   map[int]*models.Voucher
	statements map[string]*models.Statement
	outbox     []*models.LedgerPostingRecord
	nextId     int
}

func (d *memData) getVoucher(id int) (*models.Voucher, error) {
	v, ok := d.vouchers[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return v.Clone(), nil
}

func (d *memData) listVouchersByIds(ids []int) []*models.Voucher {
	var results []*models.Voucher
	for _, id := range ids {
		if v, ok := d.vouchers[id]; ok {
			results = append(results, v.Clone())
		}
	}
	return results
}

func (d *memData) listBillingsByStatement(reference string) []*models.Voucher {
	var results []*models.Voucher
	for id := 1; id < d.nextId; id++ {
		v, ok := d.vouchers[id]
		if !ok || !v.IsBilling() {
			continue
		}
		if v.StatementReference != nil && *v.StatementReference == reference {
			results = append(results, v.Clone())
		}
	}
	return results
}

func (d *memData) listVouchersByParent(parentId int) []*models.Voucher {
	var results []*models.Voucher
	for id := 1; id < d.nextId; id++ {
		v, ok := d.vouchers[id]
		if !ok || v.ParentVoucherId == nil {
			continue
		}
		if *v.ParentVoucherId == parentId {
			results = append(results, v.Clone())
		}
	}
	return results
}

func (d *memData) createVoucher(voucher *models.Voucher) {
	voucher.ID = d.nextId
	d.nextId++
	if voucher.Version == 0 {
		voucher.Version = 1
	}
	d.vouchers[voucher.ID] = voucher.Clone()
}

func (d *memData) saveVoucher(voucher *models.Voucher, expectedVersion int) error {
	current, ok := d.vouchers[voucher.ID]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("voucher %d: %w", voucher.ID, utils.ErrConcurrentModification)
	}
	voucher.Version = expectedVersion + 1
	d.vouchers[voucher.ID] = voucher.Clone()
	return nil
}

func (d *memData) snapshot() *memData {
	cp := &memData{
		vouchers:   map[int]*models.Voucher{},
		statements: map[string]*models.Statement{},
		outbox:     append([]*models.LedgerPostingRecord{}, d.outbox...),
		nextId:     d.nextId,
	}
	for id, v := range d.vouchers {
		cp.vouchers[id] = v.Clone()
	}
	for ref, st := range d.statements {
		c := *st
		cp.statements[ref] = &c
	}
	return cp
}

func (d *memData) restore(from *memData) {
	d.vouchers = from.vouchers
	d.statements = from.statements
	d.outbox = from.outbox
	d.nextId = from.nextId
}

// memStore is the outer handle; it serializes every access through mu
// the way the database serializes transactions.
type memStore struct {
	mu   sync.Mutex
	data *memData
}

func newMemStore() *memStore {
	return &memStore{data: &memData{
		vouchers:   map[int]*models.Voucher{},
		statements: map[string]*models.Statement{},
		nextId:     1,
	}}
}

func (s *memStore) Transact(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.data.snapshot()
	if err := fn(&memTx{data: s.data}); err != nil {
		s.data.restore(before)
		return err
	}
	return nil
}

func (s *memStore) GetVoucher(ctx context.Context, id int) (*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getVoucher(id)
}

func (s *memStore) ListVouchersByIds(ctx context.Context, ids []int) ([]*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listVouchersByIds(ids), nil
}

func (s *memStore) ListBillingsByStatement(ctx context.Context, reference string) ([]*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listBillingsByStatement(reference), nil
}

func (s *memStore) ListVouchersByParent(ctx context.Context, parentId int) ([]*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listVouchersByParent(parentId), nil
}

func (s *memStore) CreateVoucher(ctx context.Context, voucher *models.Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.createVoucher(voucher)
	return nil
}

func (s *memStore) SaveVoucher(ctx context.Context, voucher *models.Voucher, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.saveVoucher(voucher, expectedVersion)
}

func (s *memStore) GetStatement(ctx context.Context, reference string) (*models.Statement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data.statements[reference]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *memStore) CreateStatement(ctx context.Context, statement *models.Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{data: s.data}).CreateStatement(ctx, statement)
}

func (s *memStore) SaveStatement(ctx context.Context, statement *models.Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{data: s.data}).SaveStatement(ctx, statement)
}

func (s *memStore) EnqueueLedgerPosting(ctx context.Context, record *models.LedgerPostingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{data: s.data}).EnqueueLedgerPosting(ctx, record)
}

func (s *memStore) outboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.outbox)
}

func (s *memStore) outboxRecords() []*models.LedgerPostingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LedgerPostingRecord, 0, len(s.data.outbox))
	for _, r := range s.data.outbox {
		c := *r
		out = append(out, &c)
	}
	return out
}

// memTx is the in-transaction view. The enclosing Transact holds the
// store mutex, so memTx accesses data directly.
type memTx struct {
	data *memData
}

func (t *memTx) Transact(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memTx) GetVoucher(ctx context.Context, id int) (*models.Voucher, error) {
	return t.data.getVoucher(id)
}

func (t *memTx) ListVouchersByIds(ctx context.Context, ids []int) ([]*models.Voucher, error) {
	return t.data.listVouchersByIds(ids), nil
}

func (t *memTx) ListBillingsByStatement(ctx context.Context, reference string) ([]*models.Voucher, error) {
	return t.data.listBillingsByStatement(reference), nil
}

func (t *memTx) ListVouchersByParent(ctx context.Context, parentId int) ([]*models.Voucher, error) {
	return t.data.listVouchersByParent(parentId), nil
}

func (t *memTx) CreateVoucher(ctx context.Context, voucher *models.Voucher) error {
	t.data.createVoucher(voucher)
	return nil
}

func (t *memTx) SaveVoucher(ctx context.Context, voucher *models.Voucher, expectedVersion int) error {
	return t.data.saveVoucher(voucher, expectedVersion)
}

func (t *memTx) GetStatement(ctx context.Context, reference string) (*models.Statement, error) {
	st, ok := t.data.statements[reference]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	cp := *st
	return &cp, nil
}

func (t *memTx) CreateStatement(ctx context.Context, statement *models.Statement) error {
	if _, exists := t.data.statements[statement.Reference]; exists {
		return fmt.Errorf("duplicate statement reference %s", statement.Reference)
	}
	cp := *statement
	t.data.statements[statement.Reference] = &cp
	return nil
}

func (t *memTx) SaveStatement(ctx context.Context, statement *models.Statement) error {
	cp := *statement
	t.data.statements[statement.Reference] = &cp
	return nil
}

func (t *memTx) EnqueueLedgerPosting(ctx context.Context, record *models.LedgerPostingRecord) error {
	record.ID = len(t.data.outbox) + 1
	t.data.outbox = append(t.data.outbox, record)
	return nil
}

// newTestOrchestrator wires an Orchestrator over a memStore with
// deterministic in-process numbering.
func newTestOrchestrator() (*Orchestrator, *memStore) {
	store := newMemStore()
	var mu sync.Mutex
	voucherSeq := 0
	statementSeq := 0

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	o := &Orchestrator{
		Store:      store,
		Logger:     logger,
		CanApprove: DefaultAuthority,
		NextVoucherNumber: func(ctx context.Context, transactionType models.TransactionType, date time.Time) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			voucherSeq++
			return models.FormatVoucherNumber("TST", date.Year(), int64(voucherSeq)), nil
		},
		NextStatementReference: func(ctx context.Context, date time.Time) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			statementSeq++
			return models.FormatStatementReference(date, int64(statementSeq)), nil
		},
	}
	return o, store
}

var (
	testRequestor  = models.Actor{Id: 1, Name: "Ma Thida", Role: models.UserRoleRequestor}
	testAccountant = models.Actor{Id: 2, Name: "Ko Aung", Role: models.UserRoleAccounting}
	testExecutive  = models.Actor{Id: 3, Name: "Daw Khin", Role: models.UserRoleExecutive}
	testAdmin      = models.Actor{Id: 4, Name: "Root", Role: models.UserRoleAdmin}
)

func newBillingInput(amount int64) *NewVoucherInput {
	return &NewVoucherInput{
		TransactionType: models.TransactionTypeBilling,
		SourceModule:    "billing-tab",
		Amount:          decimal.NewFromInt(amount),
		Currency:        "MMK",
		CustomerId:      77,
		CustomerName:    "Golden Freight Co",
		Purpose:         "sea freight charges",
	}
}
