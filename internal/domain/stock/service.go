package stock

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Catalog is the read/decrement surface the dispensing engine depends on.
type Catalog interface {
	LookupByKey(ctx context.Context, key string) (*StockItem, error)
	LookupByGenericAndBrand(ctx context.Context, generic, brand string) (*StockItem, error)
	LookupByGenericOnly(ctx context.Context, generic string) ([]*StockItem, error)
	Decrement(ctx context.Context, key string, amount int) (int, error)
}

type Service struct {
	repo Repository
}

var _ Catalog = (*Service)(nil)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// ImportResult summarises a bulk import.
type ImportResult struct {
	RowsRead    int          `json:"rows_read"`
	RowsDropped int          `json:"rows_dropped"`
	Removed     int          `json:"removed"`
	Items       []*StockItem `json:"items"`
}

// ImportBulk normalises and aggregates rows, then upserts one item per key.
// Quantities of keys already in the catalog are replaced by the imported total.
func (s *Service) ImportBulk(ctx context.Context, rows []ImportRow) (*ImportResult, error) {
	items, dropped := Aggregate(rows)
	res := &ImportResult{RowsRead: len(rows), RowsDropped: dropped, Items: items}
	if len(items) == 0 {
		return res, nil
	}
	if err := s.repo.Upsert(ctx, items); err != nil {
		return nil, fmt.Errorf("import stock: %w", err)
	}
	return res, nil
}

// ReplaceCatalog imports rows like ImportBulk and then removes every item the
// list no longer names, so the catalog matches the list exactly. An import
// with no usable rows is refused rather than emptying the catalog.
func (s *Service) ReplaceCatalog(ctx context.Context, rows []ImportRow) (*ImportResult, error) {
	items, dropped := Aggregate(rows)
	if len(items) == 0 {
		return nil, ErrEmptyImport
	}
	removed, err := s.repo.ReplaceAll(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("replace stock: %w", err)
	}
	return &ImportResult{RowsRead: len(rows), RowsDropped: dropped, Removed: removed, Items: items}, nil
}

func (s *Service) LookupByKey(ctx context.Context, key string) (*StockItem, error) {
	return s.repo.GetByKey(ctx, key)
}

func (s *Service) LookupByGenericAndBrand(ctx context.Context, generic, brand string) (*StockItem, error) {
	return s.repo.FindByGenericAndBrand(ctx, generic, brand)
}

func (s *Service) LookupByGenericOnly(ctx context.Context, generic string) ([]*StockItem, error) {
	if generic == "" {
		return nil, nil
	}
	return s.repo.FindByGeneric(ctx, generic)
}

// Decrement is the only path that lowers stock during dispensation.
func (s *Service) Decrement(ctx context.Context, key string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: decrement amount must be positive, got %d", ErrInvalidQuantity, amount)
	}
	return s.repo.Decrement(ctx, key, amount)
}

// Adjust overwrites the on-hand quantity after a manual stock count. It is
// also the compensating action for a mistaken dispensation.
func (s *Service) Adjust(ctx context.Context, key string, quantity int) (*StockItem, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must not be negative, got %d", ErrInvalidQuantity, quantity)
	}
	return s.repo.Adjust(ctx, key, quantity)
}

func (s *Service) List(ctx context.Context, params ListParams, limit, offset int) ([]*StockItem, int, error) {
	return s.repo.List(ctx, params, limit, offset)
}

// Advisory lists stock that needs attention. Nothing here blocks dispensing.
type Advisory struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	LowStock     []*StockItem `json:"low_stock"`
	Expired      []*StockItem `json:"expired"`
	ExpiringSoon []*StockItem `json:"expiring_soon"`
}

// Advisory scans the whole catalog for items at or below lowThreshold and
// items whose expiry has passed or falls within window of now.
func (s *Service) Advisory(ctx context.Context, lowThreshold int, window time.Duration, now time.Time) (*Advisory, error) {
	items, _, err := s.repo.List(ctx, ListParams{}, 0, 0)
	if err != nil {
		return nil, err
	}
	return buildAdvisory(items, lowThreshold, window, now), nil
}

func buildAdvisory(items []*StockItem, lowThreshold int, window time.Duration, now time.Time) *Advisory {
	adv := &Advisory{GeneratedAt: now}
	horizon := now.Add(window)
	for _, it := range items {
		if it.QuantityOnHand <= lowThreshold {
			adv.LowStock = append(adv.LowStock, it)
		}
		if it.Expiry == nil || it.QuantityOnHand == 0 {
			continue
		}
		switch {
		case it.Expiry.Before(now):
			adv.Expired = append(adv.Expired, it)
		case !it.Expiry.After(horizon):
			adv.ExpiringSoon = append(adv.ExpiringSoon, it)
		}
	}
	sort.SliceStable(adv.LowStock, func(i, j int) bool {
		return adv.LowStock[i].QuantityOnHand < adv.LowStock[j].QuantityOnHand
	})
	byExpiry := func(list []*StockItem) func(i, j int) bool {
		return func(i, j int) bool { return list[i].Expiry.Before(*list[j].Expiry) }
	}
	sort.SliceStable(adv.Expired, byExpiry(adv.Expired))
	sort.SliceStable(adv.ExpiringSoon, byExpiry(adv.ExpiringSoon))
	return adv
}
