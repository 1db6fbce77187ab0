package stock

import (
	"context"
)

// ListParams filters a catalog listing.
type ListParams struct {
	Generic string // case-insensitive substring
	InStock *bool  // nil = all, true = quantity > 0, false = quantity = 0
	MaxQty  *int   // quantity at or below
}

// Repository is the storage behind the catalog. Decrement must be a single
// check-and-apply step at the storage layer: implementations may never read
// the quantity, subtract in memory and write it back.
type Repository interface {
	Upsert(ctx context.Context, items []*StockItem) error
	// ReplaceAll upserts items and deletes every other key in one atomic step,
	// returning how many keys were deleted.
	ReplaceAll(ctx context.Context, items []*StockItem) (int, error)
	GetByKey(ctx context.Context, key string) (*StockItem, error)
	FindByGenericAndBrand(ctx context.Context, generic, brand string) (*StockItem, error)
	// FindByGeneric returns brands in the order they were first imported.
	FindByGeneric(ctx context.Context, generic string) ([]*StockItem, error)
	Decrement(ctx context.Context, key string, amount int) (int, error)
	Adjust(ctx context.Context, key string, quantity int) (*StockItem, error)
	// List orders by generic then brand. A non-positive limit returns every match.
	List(ctx context.Context, params ListParams, limit, offset int) ([]*StockItem, int, error)
}
