package stock

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("stock item not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrEmptyImport       = errors.New("import has no usable rows")
)

// InsufficientStockError reports a decrement larger than the quantity on hand
// at the moment it was applied.
type InsufficientStockError struct {
	Key       string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Key, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
