package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/orderflow/internal/inventory"
	"github.com/odyssey-erp/orderflow/internal/masterdata"
	"github.com/odyssey-erp/orderflow/internal/platform/cache"
	"github.com/odyssey-erp/orderflow/internal/platform/db"
	"github.com/odyssey-erp/orderflow/internal/shared"
)

const notifyTimeout = 5 * time.Second

// Unique constraints the coordinator translates into domain errors.
const (
	ConstraintLineItem = "order_items_order_inventory_item_key"
	ConstraintNumber   = "orders_tenant_kind_number_key"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, tenantID string, kind Kind, id string) (Order, error)
	List(ctx context.Context, tenantID string, kind Kind, filter ListFilter) ([]Order, int, error)
}

// TxRepository exposes transactional operations. It also persists ledger movements so
// that order writes and stock changes share one transaction.
type TxRepository interface {
	inventory.LedgerStore
	GetForUpdate(ctx context.Context, tenantID string, kind Kind, id string) (Order, error)
	InsertOrder(ctx context.Context, order Order) (Order, error)
	UpdateOrder(ctx context.Context, order Order) (Order, error)
	DeleteItems(ctx context.Context, orderID string, ids []string) error
	UpdateItem(ctx context.Context, item LineItem) error
	InsertItem(ctx context.Context, item LineItem) error
}

// CounterpartyLookup resolves active suppliers and customers.
type CounterpartyLookup interface {
	GetActiveCounterparty(ctx context.Context, tenantID string, kind masterdata.CounterpartyKind, id string) (masterdata.Counterparty, error)
}

// ItemLookup resolves inventory items.
type ItemLookup interface {
	GetItem(ctx context.Context, tenantID, id string) (inventory.Item, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Notifier delivers committed order events. Delivery failures never affect the write.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Recorder counts coordinator outcomes.
type Recorder interface {
	OrderWrite(kind, op, outcome string)
}

// Options groups optional collaborators.
type Options struct {
	Audit    AuditPort
	Notifier Notifier
	Metrics  Recorder
	Logger   *slog.Logger
}

// Service coordinates order writes, their ledger effects and cached reads.
type Service struct {
	repo           RepositoryPort
	counterparties CounterpartyLookup
	items          ItemLookup
	ledger         *inventory.Ledger
	cache          *cache.ReadThrough
	audit          AuditPort
	notifier       Notifier
	metrics        Recorder
	logger         *slog.Logger
	validate       *validator.Validate
	wg             sync.WaitGroup
}

// NewService builds Service. rt may be nil to disable caching.
func NewService(repo RepositoryPort, counterparties CounterpartyLookup, items ItemLookup, ledger *inventory.Ledger, rt *cache.ReadThrough, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:           repo,
		counterparties: counterparties,
		items:          items,
		ledger:         ledger,
		cache:          rt,
		audit:          opts.Audit,
		notifier:       opts.Notifier,
		metrics:        opts.Metrics,
		logger:         logger.With(slog.String("component", "orders")),
		validate:       newValidator(),
	}
}

// Submit creates or updates an order and its full line-item set in one transaction. A
// target status reaching settlement also writes the ledger in that transaction.
func (s *Service) Submit(ctx context.Context, sub Submission) (Order, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return Order{}, err
	}
	if err := validateSubmission(s.validate, sub); err != nil {
		s.record(sub.Kind, "submit", err)
		return Order{}, err
	}
	lines, err := s.resolveLines(ctx, actor.TenantID, sub)
	if err != nil {
		err = s.classify("resolve lines", err)
		s.record(sub.Kind, "submit", err)
		return Order{}, err
	}

	var (
		saved  Order
		before Order
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		switch sub.Mode {
		case ModeCreate:
			saved, err = s.create(ctx, tx, actor, sub, lines)
		case ModeUpdate:
			before, saved, err = s.update(ctx, tx, actor, sub, lines)
		}
		return err
	})
	if err != nil {
		err = s.classify("submit", err)
		s.record(sub.Kind, "submit", err)
		return Order{}, err
	}
	s.record(sub.Kind, "submit", nil)

	event, action := EventCreated, "ORDER_CREATE"
	meta := map[string]any{"number": saved.Number, "status": saved.Status, "items": len(saved.Items), "total": saved.Total().String()}
	from := StatusPending
	if sub.Mode == ModeUpdate {
		event, action = EventUpdated, "ORDER_UPDATE"
		from = before.Status
		meta["from_status"] = from
	}
	if saved.Status != from {
		event = EventStatusChanged
	}
	s.afterCommit(ctx, actor, saved, action, event, meta)
	return saved, nil
}

func (s *Service) create(ctx context.Context, tx TxRepository, actor shared.Actor, sub Submission, lines []LineItem) (Order, error) {
	order := Order{
		ID:             uuid.NewString(),
		TenantID:       actor.TenantID,
		Kind:           sub.Kind,
		Number:         sub.Header.Number,
		CounterpartyID: sub.Header.CounterpartyID,
		Status:         StatusPending,
		RecordStatus:   RecordActive,
		ExpectedDate:   sub.Header.ExpectedDate,
	}
	target := StatusPending
	if sub.TargetStatus != nil && *sub.TargetStatus != StatusPending {
		target = *sub.TargetStatus
		if err := CanTransition(order, target); err != nil {
			return Order{}, err
		}
	}

	created, err := tx.InsertOrder(ctx, order)
	if err != nil {
		return Order{}, fmt.Errorf("orders: insert order: %w", err)
	}
	created.Items = make([]LineItem, 0, len(lines))
	for _, line := range lines {
		line.ID = uuid.NewString()
		line.OrderID = created.ID
		if err := tx.InsertItem(ctx, line); err != nil {
			return Order{}, fmt.Errorf("orders: insert item: %w", err)
		}
		created.Items = append(created.Items, line)
	}
	if target == StatusPending {
		return created, nil
	}
	return s.moveTo(ctx, tx, created, target)
}

func (s *Service) update(ctx context.Context, tx TxRepository, actor shared.Actor, sub Submission, lines []LineItem) (Order, Order, error) {
	current, err := tx.GetForUpdate(ctx, actor.TenantID, sub.Kind, sub.OrderID)
	if err != nil {
		return Order{}, Order{}, err
	}
	if err := checkVersion(current, sub.ExpectedVersion); err != nil {
		return Order{}, Order{}, err
	}
	if sub.Header.Number != current.Number {
		return Order{}, Order{}, shared.NewValidationError("number", "cannot be changed after create")
	}
	if err := CanEdit(current); err != nil {
		return Order{}, Order{}, err
	}
	target := current.Status
	if sub.TargetStatus != nil && *sub.TargetStatus != current.Status {
		target = *sub.TargetStatus
		if err := CanTransition(current, target); err != nil {
			return Order{}, Order{}, err
		}
	}

	finalItems, err := replaceItems(ctx, tx, current, lines)
	if err != nil {
		return Order{}, Order{}, err
	}

	next := current
	next.CounterpartyID = sub.Header.CounterpartyID
	next.ExpectedDate = sub.Header.ExpectedDate
	next.Items = finalItems
	if target != current.Status {
		saved, err := s.moveTo(ctx, tx, next, target)
		return current, saved, err
	}
	saved, err := tx.UpdateOrder(ctx, next)
	if err != nil {
		return Order{}, Order{}, fmt.Errorf("orders: update order: %w", err)
	}
	saved.Items = finalItems
	return current, saved, nil
}

// replaceItems turns the stored item set into lines: deletes first, then updates of kept
// ids, then inserts.
func replaceItems(ctx context.Context, tx TxRepository, current Order, lines []LineItem) ([]LineItem, error) {
	existing := make(map[string]struct{}, len(current.Items))
	for _, item := range current.Items {
		existing[item.ID] = struct{}{}
	}
	verr := &shared.ValidationError{}
	kept := make(map[string]struct{}, len(lines))
	for i, line := range lines {
		if line.ID == "" {
			continue
		}
		if _, ok := existing[line.ID]; !ok {
			verr.Add(fmt.Sprintf("items[%d].id", i), "does not belong to this order")
			continue
		}
		kept[line.ID] = struct{}{}
	}
	if verr.HasErrors() {
		return nil, verr
	}

	final := make([]LineItem, len(lines))
	for i, line := range lines {
		line.OrderID = current.ID
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		final[i] = line
	}
	if dup := duplicateItems(lineInventoryIDs(final)); dup != nil {
		return nil, dup
	}

	var removed []string
	for _, item := range current.Items {
		if _, ok := kept[item.ID]; !ok {
			removed = append(removed, item.ID)
		}
	}
	if len(removed) > 0 {
		if err := tx.DeleteItems(ctx, current.ID, removed); err != nil {
			return nil, fmt.Errorf("orders: delete items: %w", err)
		}
	}
	for i, line := range final {
		if lines[i].ID == "" {
			continue
		}
		if err := tx.UpdateItem(ctx, line); err != nil {
			return nil, fmt.Errorf("orders: update item: %w", err)
		}
	}
	for i, line := range final {
		if lines[i].ID != "" {
			continue
		}
		if err := tx.InsertItem(ctx, line); err != nil {
			return nil, fmt.Errorf("orders: insert item: %w", err)
		}
	}
	return final, nil
}

// Transition changes only the workflow status. Reaching settlement writes one ledger
// movement per line in the same transaction.
func (s *Service) Transition(ctx context.Context, kind Kind, id string, to Status, expectedVersion int64) (Order, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return Order{}, err
	}
	if !kind.Valid() {
		return Order{}, shared.NewValidationError("kind", fmt.Sprintf("unknown order kind %q", kind))
	}
	if strings.TrimSpace(string(to)) == "" {
		return Order{}, shared.NewValidationError("status", "is required")
	}
	var (
		saved Order
		from  Status
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, actor.TenantID, kind, id)
		if err != nil {
			return err
		}
		if err := checkVersion(current, expectedVersion); err != nil {
			return err
		}
		if err := CanTransition(current, to); err != nil {
			return err
		}
		from = current.Status
		saved, err = s.moveTo(ctx, tx, current, to)
		return err
	})
	if err != nil {
		err = s.classify("transition", err)
		s.record(kind, "transition", err)
		return Order{}, err
	}
	s.record(kind, "transition", nil)
	s.afterCommit(ctx, actor, saved, "ORDER_STATUS", EventStatusChanged, map[string]any{
		"number": saved.Number,
		"from":   from,
		"to":     saved.Status,
	})
	return saved, nil
}

// moveTo persists order with status to. The caller has already checked the edge.
func (s *Service) moveTo(ctx context.Context, tx TxRepository, order Order, to Status) (Order, error) {
	settle := ReachesSettlement(order, to)
	order.Status = to
	if settle {
		if s.ledger == nil {
			return Order{}, errors.New("orders: ledger not configured")
		}
		for _, line := range order.Lines() {
			if _, err := s.ledger.Apply(ctx, tx, line.Entry(order.TenantID)); err != nil {
				return Order{}, err
			}
		}
		now := time.Now().UTC()
		order.SettledDate = &now
	}
	saved, err := tx.UpdateOrder(ctx, order)
	if err != nil {
		return Order{}, fmt.Errorf("orders: update order: %w", err)
	}
	saved.Items = order.Items
	return saved, nil
}

// Archive soft-deletes an order. Line items and ledger rows are untouched.
func (s *Service) Archive(ctx context.Context, kind Kind, id string, expectedVersion int64) (Order, error) {
	return s.setRecordStatus(ctx, kind, id, expectedVersion, RecordArchived)
}

// Restore reactivates an archived order.
func (s *Service) Restore(ctx context.Context, kind Kind, id string, expectedVersion int64) (Order, error) {
	return s.setRecordStatus(ctx, kind, id, expectedVersion, RecordActive)
}

func (s *Service) setRecordStatus(ctx context.Context, kind Kind, id string, expectedVersion int64, to RecordStatus) (Order, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return Order{}, err
	}
	if !kind.Valid() {
		return Order{}, shared.NewValidationError("kind", fmt.Sprintf("unknown order kind %q", kind))
	}
	op, action, event := "archive", "ORDER_ARCHIVE", EventArchived
	if to == RecordActive {
		op, action, event = "restore", "ORDER_RESTORE", EventRestored
	}
	var saved Order
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, actor.TenantID, kind, id)
		if err != nil {
			return err
		}
		if err := checkVersion(current, expectedVersion); err != nil {
			return err
		}
		check := CanArchive
		if to == RecordActive {
			check = CanRestore
		}
		if err := check(current); err != nil {
			return err
		}
		current.RecordStatus = to
		saved, err = tx.UpdateOrder(ctx, current)
		if err != nil {
			return fmt.Errorf("orders: update record status: %w", err)
		}
		saved.Items = current.Items
		return nil
	})
	if err != nil {
		err = s.classify(op, err)
		s.record(kind, op, err)
		return Order{}, err
	}
	s.record(kind, op, nil)
	s.afterCommit(ctx, actor, saved, action, event, map[string]any{"number": saved.Number})
	return saved, nil
}

// Get returns one order through the cache.
func (s *Service) Get(ctx context.Context, kind Kind, id string) (Order, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return Order{}, err
	}
	if !kind.Valid() {
		return Order{}, shared.NewValidationError("kind", fmt.Sprintf("unknown order kind %q", kind))
	}
	key := cache.Key("t", actor.TenantID, kind.CacheEntity(), "detail", id)
	order, err := cache.Fetch(ctx, s.cache, kind.CacheEntity(), key, func(ctx context.Context) (Order, error) {
		return s.repo.Get(ctx, actor.TenantID, kind, id)
	})
	if err != nil {
		return Order{}, s.classify("get", err)
	}
	return order, nil
}

// List returns a filtered page of orders through the cache. Every distinct filter set
// has its own key under the kind's prefix.
func (s *Service) List(ctx context.Context, kind Kind, filter ListFilter) (ListResult, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return ListResult{}, err
	}
	if !kind.Valid() {
		return ListResult{}, shared.NewValidationError("kind", fmt.Sprintf("unknown order kind %q", kind))
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	key := cache.Key("t", actor.TenantID, kind.CacheEntity(), "list",
		string(filter.Status), filter.CounterpartyID, filter.Search, string(filter.RecordStatus),
		strconv.FormatBool(filter.IncludeArchived), strconv.Itoa(filter.Page), strconv.Itoa(filter.PerPage))
	result, err := cache.Fetch(ctx, s.cache, kind.CacheEntity(), key, func(ctx context.Context) (ListResult, error) {
		orders, total, err := s.repo.List(ctx, actor.TenantID, kind, filter)
		if err != nil {
			return ListResult{}, err
		}
		if orders == nil {
			orders = []Order{}
		}
		return ListResult{Orders: orders, Pagination: shared.NewPagination(filter.Page, filter.PerPage, total)}, nil
	})
	if err != nil {
		return ListResult{}, s.classify("list", err)
	}
	return result, nil
}

// CachePrefix returns the invalidation prefix of a tenant's kind views.
func CachePrefix(tenantID string, kind Kind) string {
	return cache.Prefix("t", tenantID, kind.CacheEntity())
}

// Wait blocks until background notifications finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) resolveLines(ctx context.Context, tenantID string, sub Submission) ([]LineItem, error) {
	if s.counterparties != nil {
		if _, err := s.counterparties.GetActiveCounterparty(ctx, tenantID, sub.Kind.CounterpartyKind(), sub.Header.CounterpartyID); err != nil {
			return nil, fmt.Errorf("counterparty_id: %w", err)
		}
	}
	lines := make([]LineItem, len(sub.Items))
	for i, in := range sub.Items {
		line := LineItem{
			ID:              in.ID,
			InventoryItemID: in.InventoryItemID,
			StoreID:         in.StoreID,
			Quantity:        in.Quantity,
		}
		var item inventory.Item
		if s.items != nil {
			var err error
			item, err = s.items.GetItem(ctx, tenantID, in.InventoryItemID)
			if err != nil {
				return nil, fmt.Errorf("items[%d].inventory_item_id: %w", i, err)
			}
		}
		if in.UnitPrice != nil {
			line.UnitPrice = *in.UnitPrice
		} else {
			line.UnitPrice = item.UnitPrice.Round(priceScale)
		}
		lines[i] = line
	}
	return lines, nil
}

func (s *Service) afterCommit(ctx context.Context, actor shared.Actor, order Order, action, event string, meta map[string]any) {
	if err := s.cache.Invalidate(ctx, CachePrefix(actor.TenantID, order.Kind), inventory.CachePrefix(actor.TenantID)); err != nil {
		s.logger.Warn("cache invalidation after commit failed", slog.String("order_id", order.ID), slog.Any("error", err))
	}
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			TenantID: actor.TenantID,
			ActorID:  actor.UserID,
			Action:   action,
			Entity:   string(order.Kind) + "_order",
			EntityID: order.ID,
			Meta:     meta,
			At:       time.Now(),
		})
		if err != nil {
			s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
		}
	}
	if s.notifier == nil {
		return
	}
	ev := Event{
		Type:     event,
		TenantID: actor.TenantID,
		ActorID:  actor.UserID,
		OrderID:  order.ID,
		Kind:     order.Kind,
		Number:   order.Number,
		Status:   order.Status,
		Record:   order.RecordStatus,
		Total:    order.Total().StringFixed(2),
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		nctx, cancel := context.WithTimeout(bg, notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(nctx, ev); err != nil {
			s.logger.Warn("order notification failed", slog.String("event", ev.Type), slog.String("order_id", ev.OrderID), slog.Any("error", err))
		}
	}()
}

// classify maps store failures onto the error taxonomy. Domain errors pass through
// unchanged and storage detail is logged but never returned.
func (s *Service) classify(op string, err error) error {
	switch {
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrInvalidTransition),
		errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrConcurrencyConflict),
		errors.Is(err, shared.ErrStorage):
		return err
	case db.IsRetryable(err):
		return fmt.Errorf("orders: %s: %w", op, shared.ErrConcurrencyConflict)
	case db.PgCode(err) == db.CodeForeignKeyViolation, db.PgCode(err) == db.CodeInvalidTextRepresentation:
		return fmt.Errorf("orders: %s: referenced record does not exist: %w", op, shared.ErrNotFound)
	case db.PgCode(err) == db.CodeUniqueViolation:
		switch db.ConstraintName(err) {
		case ConstraintLineItem:
			return &shared.ValidationError{
				Fields: []shared.FieldError{{Field: "items", Message: "inventory item referenced more than once"}},
				Cause:  shared.ErrDuplicateLineItem,
			}
		case ConstraintNumber:
			return shared.NewValidationError("number", "already exists")
		}
	}
	s.logger.Error("order store failed", slog.String("op", op), slog.Any("error", err))
	return shared.NewStorageError(op, err)
}

func (s *Service) record(kind Kind, op string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = shared.KindOf(err)
	}
	s.metrics.OrderWrite(string(kind), op, outcome)
}

func checkVersion(current Order, expected int64) error {
	if expected != 0 && current.Version != expected {
		return fmt.Errorf("orders: order %s at version %d, expected %d: %w", current.ID, current.Version, expected, shared.ErrConcurrencyConflict)
	}
	return nil
}

func actorFrom(ctx context.Context) (shared.Actor, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return shared.Actor{}, shared.NewValidationError("tenant_id", "is required")
	}
	return actor, nil
}
