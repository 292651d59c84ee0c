package inventory

import (
	"context"
	"strings"

	"github.com/odyssey-erp/orderflow/internal/platform/cache"
	"github.com/odyssey-erp/orderflow/internal/shared"
)

// CacheEntity is the cache prefix segment for inventory read views.
const CacheEntity = "inventory"

// ReadRepository abstracts the read queries used by Service.
type ReadRepository interface {
	GetItem(ctx context.Context, tenantID, id string) (Item, error)
	Summary(ctx context.Context, tenantID string) (Summary, error)
	ListStockLevels(ctx context.Context, tenantID, itemID string) ([]StockLevel, error)
	ListTransactions(ctx context.Context, tenantID, referenceID string) ([]Transaction, error)
}

// ItemDetail is an item with its per-store stock.
type ItemDetail struct {
	Item
	LowStock bool         `json:"low_stock"`
	Levels   []StockLevel `json:"levels"`
}

// Service serves cached inventory read views.
type Service struct {
	repo  ReadRepository
	cache *cache.ReadThrough
}

// NewService builds Service. rt may be nil to disable caching.
func NewService(repo ReadRepository, rt *cache.ReadThrough) *Service {
	return &Service{repo: repo, cache: rt}
}

// CachePrefix returns the invalidation prefix for a tenant's inventory views.
func CachePrefix(tenantID string) string {
	return cache.Prefix("t", tenantID, CacheEntity)
}

// GetItem returns an item and its stock levels.
func (s *Service) GetItem(ctx context.Context, id string) (ItemDetail, error) {
	tenantID, err := tenant(ctx)
	if err != nil {
		return ItemDetail{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ItemDetail{}, shared.NewValidationError("id", "is required")
	}
	key := cache.Key("t", tenantID, CacheEntity, "item", id)
	detail, err := cache.Fetch(ctx, s.cache, CacheEntity, key, func(ctx context.Context) (ItemDetail, error) {
		item, err := s.repo.GetItem(ctx, tenantID, id)
		if err != nil {
			return ItemDetail{}, err
		}
		levels, err := s.repo.ListStockLevels(ctx, tenantID, id)
		if err != nil {
			return ItemDetail{}, err
		}
		return ItemDetail{Item: item, LowStock: item.LowStock(), Levels: levels}, nil
	})
	return detail, readErr("get item", err)
}

// StockSummary returns aggregated stock figures.
func (s *Service) StockSummary(ctx context.Context) (Summary, error) {
	tenantID, err := tenant(ctx)
	if err != nil {
		return Summary{}, err
	}
	key := cache.Key("t", tenantID, CacheEntity, "summary")
	summary, err := cache.Fetch(ctx, s.cache, CacheEntity, key, func(ctx context.Context) (Summary, error) {
		return s.repo.Summary(ctx, tenantID)
	})
	return summary, readErr("stock summary", err)
}

// ListTransactions returns the ledger rows written for referenceID.
func (s *Service) ListTransactions(ctx context.Context, referenceID string) ([]Transaction, error) {
	tenantID, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, shared.NewValidationError("reference_id", "is required")
	}
	key := cache.Key("t", tenantID, CacheEntity, "transactions", referenceID)
	txs, err := cache.Fetch(ctx, s.cache, CacheEntity, key, func(ctx context.Context) ([]Transaction, error) {
		return s.repo.ListTransactions(ctx, tenantID, referenceID)
	})
	return txs, readErr("list transactions", err)
}

// readErr keeps domain errors and hides store detail behind ErrStorage.
func readErr(op string, err error) error {
	if err == nil || shared.KindOf(err) != shared.KindStorage {
		return err
	}
	return shared.NewStorageError("inventory: "+op, err)
}

func tenant(ctx context.Context) (string, error) {
	tenantID := shared.TenantFromContext(ctx)
	if tenantID == "" {
		return "", shared.NewValidationError("tenant_id", "is required")
	}
	return tenantID, nil
}
