package orders

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/orderflow/internal/inventory"
	"github.com/odyssey-erp/orderflow/internal/masterdata"
	"github.com/odyssey-erp/orderflow/internal/platform/cache"
	"github.com/odyssey-erp/orderflow/internal/platform/db"
	"github.com/odyssey-erp/orderflow/internal/shared"
)

type memState struct {
	orders map[string]Order
	txs    []inventory.Transaction
	onHand map[string]int64
	levels map[string]int64
}

func (s *memState) clone() *memState {
	out := &memState{
		orders: make(map[string]Order, len(s.orders)),
		txs:    append([]inventory.Transaction(nil), s.txs...),
		onHand: make(map[string]int64, len(s.onHand)),
		levels: make(map[string]int64, len(s.levels)),
	}
	for id, o := range s.orders {
		out.orders[id] = copyOrder(o)
	}
	for k, v := range s.onHand {
		out.onHand[k] = v
	}
	for k, v := range s.levels {
		out.levels[k] = v
	}
	return out
}

func copyOrder(o Order) Order {
	o.Items = append([]LineItem(nil), o.Items...)
	return o
}

type memoryRepo struct {
	mu             sync.Mutex
	state          *memState
	txCalls        int
	reads          int
	failCommit     error
	failInsertItem error
	failRead       error
}

type memoryTx struct {
	repo  *memoryRepo
	state *memState
}

func newMemoryRepo(itemIDs ...string) *memoryRepo {
	state := &memState{orders: map[string]Order{}, onHand: map[string]int64{}, levels: map[string]int64{}}
	for _, id := range itemIDs {
		state.onHand[id] = 0
	}
	return &memoryRepo{state: state}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCalls++
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, state: work}); err != nil {
		return err
	}
	if r.failCommit != nil {
		return r.failCommit
	}
	r.state = work
	return nil
}

func (r *memoryRepo) Get(_ context.Context, tenantID string, kind Kind, id string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.failRead != nil {
		return Order{}, r.failRead
	}
	o, ok := r.state.orders[id]
	if !ok || o.TenantID != tenantID || o.Kind != kind {
		return Order{}, shared.ErrNotFound
	}
	return copyOrder(o), nil
}

func (r *memoryRepo) List(_ context.Context, tenantID string, kind Kind, filter ListFilter) ([]Order, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.failRead != nil {
		return nil, 0, r.failRead
	}
	var matched []Order
	for _, o := range r.state.orders {
		if o.TenantID != tenantID || o.Kind != kind {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.CounterpartyID != "" && o.CounterpartyID != filter.CounterpartyID {
			continue
		}
		if filter.Search != "" && !strings.Contains(o.Number, filter.Search) {
			continue
		}
		switch {
		case filter.RecordStatus != "":
			if o.RecordStatus != filter.RecordStatus {
				continue
			}
		case !filter.IncludeArchived:
			if o.RecordStatus != RecordActive {
				continue
			}
		}
		matched = append(matched, copyOrder(o))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Number < matched[j].Number })
	page := shared.NewPagination(filter.Page, filter.PerPage, len(matched))
	start := page.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + page.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (r *memoryRepo) snapshot() *memState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (t *memoryTx) GetForUpdate(_ context.Context, tenantID string, kind Kind, id string) (Order, error) {
	o, ok := t.state.orders[id]
	if !ok || o.TenantID != tenantID || o.Kind != kind {
		return Order{}, shared.ErrNotFound
	}
	return copyOrder(o), nil
}

func (t *memoryTx) InsertOrder(_ context.Context, o Order) (Order, error) {
	for _, existing := range t.state.orders {
		if existing.TenantID == o.TenantID && existing.Kind == o.Kind && existing.Number == o.Number {
			return Order{}, &pgconn.PgError{Code: db.CodeUniqueViolation, ConstraintName: ConstraintNumber}
		}
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt, o.Version = now, now, 1
	o.Items = nil
	t.state.orders[o.ID] = o
	return o, nil
}

func (t *memoryTx) UpdateOrder(_ context.Context, o Order) (Order, error) {
	stored, ok := t.state.orders[o.ID]
	if !ok || stored.Version != o.Version {
		return Order{}, shared.ErrConcurrencyConflict
	}
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	o.Items = stored.Items
	t.state.orders[o.ID] = o
	return copyOrder(o), nil
}

func (t *memoryTx) DeleteItems(_ context.Context, orderID string, ids []string) error {
	o := t.state.orders[orderID]
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := o.Items[:0]
	for _, item := range o.Items {
		if !drop[item.ID] {
			kept = append(kept, item)
		}
	}
	o.Items = kept
	t.state.orders[orderID] = o
	return nil
}

func (t *memoryTx) UpdateItem(_ context.Context, item LineItem) error {
	o := t.state.orders[item.OrderID]
	for i := range o.Items {
		if o.Items[i].ID == item.ID {
			o.Items[i] = item
			t.state.orders[item.OrderID] = o
			return nil
		}
	}
	return shared.ErrNotFound
}

func (t *memoryTx) InsertItem(_ context.Context, item LineItem) error {
	if t.repo.failInsertItem != nil {
		return t.repo.failInsertItem
	}
	o := t.state.orders[item.OrderID]
	o.Items = append(o.Items, item)
	t.state.orders[item.OrderID] = o
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, tx inventory.Transaction) (inventory.Transaction, error) {
	tx.ID = "tx-" + time.Now().Format("150405.000000000")
	tx.CreatedAt = time.Now().UTC()
	t.state.txs = append(t.state.txs, tx)
	return tx, nil
}

func (t *memoryTx) AdjustStock(_ context.Context, _ string, itemID, storeID string, delta int64) (int64, error) {
	if _, ok := t.state.onHand[itemID]; !ok {
		return 0, shared.ErrNotFound
	}
	t.state.onHand[itemID] += delta
	t.state.levels[itemID+"/"+storeID] += delta
	return t.state.levels[itemID+"/"+storeID], nil
}

type fakeCounterparties map[string]masterdata.Counterparty

func (f fakeCounterparties) GetActiveCounterparty(_ context.Context, _ string, kind masterdata.CounterpartyKind, id string) (masterdata.Counterparty, error) {
	c, ok := f[id]
	if !ok || c.Kind != kind || !c.Active() {
		return masterdata.Counterparty{}, shared.ErrNotFound
	}
	return c, nil
}

type failingCounterparties struct{ err error }

func (f failingCounterparties) GetActiveCounterparty(context.Context, string, masterdata.CounterpartyKind, string) (masterdata.Counterparty, error) {
	return masterdata.Counterparty{}, f.err
}

type fakeItems map[string]inventory.Item

func (f fakeItems) GetItem(_ context.Context, _ string, id string) (inventory.Item, error) {
	item, ok := f[id]
	if !ok {
		return inventory.Item{}, shared.ErrNotFound
	}
	return item, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) OrderWrite(kind, op, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[kind+"/"+op+"/"+outcome]++
}

type fixture struct {
	svc      *Service
	repo     *memoryRepo
	notifier *recordingNotifier
	audit    *recordingAudit
	metrics  *countingRecorder
	rt       *cache.ReadThrough
	redis    *miniredis.Miniredis
}

const (
	itemA    = "item-a"
	itemB    = "item-b"
	itemC    = "item-c"
	storeOne = "store-1"
	supplier = "sup-1"
	customer = "cus-1"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := cache.NewReadThrough(cache.NewRedisStore(client), time.Minute, logger, nil)

	repo := newMemoryRepo(itemA, itemB, itemC)
	counterparties := fakeCounterparties{
		supplier:   {ID: supplier, Kind: masterdata.KindSupplier, Name: "Acme Supply", RecordStatus: masterdata.StatusActive},
		customer:   {ID: customer, Kind: masterdata.KindCustomer, Name: "Buyer Co", RecordStatus: masterdata.StatusActive},
		"sup-gone": {ID: "sup-gone", Kind: masterdata.KindSupplier, Name: "Old", RecordStatus: masterdata.StatusArchived},
	}
	items := fakeItems{
		itemA: {ID: itemA, SKU: "A", Name: "Item A", UnitPrice: decimal.RequireFromString("10.00")},
		itemB: {ID: itemB, SKU: "B", Name: "Item B", UnitPrice: decimal.RequireFromString("3.00")},
		itemC: {ID: itemC, SKU: "C", Name: "Item C", UnitPrice: decimal.RequireFromString("7.25")},
	}
	f := &fixture{
		repo:     repo,
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
		metrics:  &countingRecorder{},
		rt:       rt,
		redis:    mr,
	}
	f.svc = NewService(repo, counterparties, items, inventory.NewLedger(inventory.LedgerConfig{AllowNegativeStock: true}), rt, Options{
		Audit:    f.audit,
		Notifier: f.notifier,
		Metrics:  f.metrics,
		Logger:   logger,
	})
	t.Cleanup(func() {
		f.svc.Wait()
		rt.Wait()
	})
	return f
}

func tenantCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{TenantID: "t1", UserID: "u1"})
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func line(itemID string, qty int64, unitPrice string) LineInput {
	in := LineInput{InventoryItemID: itemID, StoreID: storeOne, Quantity: qty}
	if unitPrice != "" {
		in.UnitPrice = price(unitPrice)
	}
	return in
}

func createPO(t *testing.T, f *fixture, number string, items ...LineInput) Order {
	t.Helper()
	order, err := f.svc.Submit(tenantCtx(), Submission{
		Kind:   KindPurchase,
		Mode:   ModeCreate,
		Header: Header{Number: number, CounterpartyID: supplier},
		Items:  items,
	})
	require.NoError(t, err)
	return order
}
