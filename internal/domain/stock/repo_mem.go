package stock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryRepo struct {
	mu    sync.RWMutex
	items map[string]*StockItem
	order []string
}

// NewMemoryRepo returns a process-local catalog guarded by a mutex. It backs
// STORAGE_DRIVER=memory and the unit tests.
func NewMemoryRepo() Repository {
	return &memoryRepo{items: make(map[string]*StockItem)}
}

func clone(s *StockItem) *StockItem {
	c := *s
	if s.Expiry != nil {
		e := *s.Expiry
		c.Expiry = &e
	}
	return &c
}

func (r *memoryRepo) Upsert(_ context.Context, items []*StockItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(items)
}

func (r *memoryRepo) ReplaceAll(_ context.Context, items []*StockItem) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.upsertLocked(items); err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(items))
	for _, it := range items {
		keep[it.Key] = true
	}

	removed := 0
	order := r.order[:0]
	for _, k := range r.order {
		if keep[k] {
			order = append(order, k)
			continue
		}
		delete(r.items, k)
		removed++
	}
	r.order = order
	return removed, nil
}

func (r *memoryRepo) upsertLocked(items []*StockItem) error {
	for _, it := range items {
		if it.QuantityOnHand < 0 {
			return ErrInvalidQuantity
		}
	}

	now := time.Now().UTC()
	for _, it := range items {
		c := clone(it)
		if existing, ok := r.items[c.Key]; ok {
			c.CreatedAt = existing.CreatedAt
		} else {
			c.CreatedAt = now
			r.order = append(r.order, c.Key)
		}
		c.UpdatedAt = now
		r.items[c.Key] = c
	}
	return nil
}

func (r *memoryRepo) GetByKey(_ context.Context, key string) (*StockItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(it), nil
}

func (r *memoryRepo) FindByGenericAndBrand(_ context.Context, generic, brand string) (*StockItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, b := CollapseSpace(generic), CollapseSpace(brand)
	for _, k := range r.order {
		it := r.items[k]
		if strings.EqualFold(it.Generic, g) && strings.EqualFold(it.Brand, b) {
			return clone(it), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) FindByGeneric(_ context.Context, generic string) ([]*StockItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g := CollapseSpace(generic)
	var out []*StockItem
	for _, k := range r.order {
		if it := r.items[k]; strings.EqualFold(it.Generic, g) {
			out = append(out, clone(it))
		}
	}
	return out, nil
}

func (r *memoryRepo) Decrement(_ context.Context, key string, amount int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[key]
	if !ok {
		return 0, ErrNotFound
	}
	if amount > it.QuantityOnHand {
		return it.QuantityOnHand, &InsufficientStockError{Key: key, Requested: amount, Available: it.QuantityOnHand}
	}
	it.QuantityOnHand -= amount
	it.UpdatedAt = time.Now().UTC()
	return it.QuantityOnHand, nil
}

func (r *memoryRepo) Adjust(_ context.Context, key string, quantity int) (*StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	it.QuantityOnHand = quantity
	it.UpdatedAt = time.Now().UTC()
	return clone(it), nil
}

func (r *memoryRepo) List(_ context.Context, params ListParams, limit, offset int) ([]*StockItem, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*StockItem
	needle := strings.ToLower(CollapseSpace(params.Generic))
	for _, k := range r.order {
		it := r.items[k]
		if needle != "" && !strings.Contains(strings.ToLower(it.Generic), needle) {
			continue
		}
		if params.InStock != nil && (it.QuantityOnHand > 0) != *params.InStock {
			continue
		}
		if params.MaxQty != nil && it.QuantityOnHand > *params.MaxQty {
			continue
		}
		matched = append(matched, clone(it))
	}

	sort.SliceStable(matched, func(i, j int) bool {
		gi, gj := strings.ToLower(matched[i].Generic), strings.ToLower(matched[j].Generic)
		if gi != gj {
			return gi < gj
		}
		return strings.ToLower(matched[i].Brand) < strings.ToLower(matched[j].Brand)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
