package dispensing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clinic/pharmacy/internal/domain/prescription"
	"github.com/clinic/pharmacy/internal/domain/stock"
)

// Match is the outcome of resolving one prescription line against the
// catalog. MatchedKey is nil while the line is unmatched or while several
// brands are possible.
type Match struct {
	MatchedKey       *string  `json:"matched_key"`
	CandidateBrands  []string `json:"candidate_brands"`
	ResolvedQuantity int      `json:"resolved_quantity"`
	DisplayName      string   `json:"display_name"`
}

func (m Match) Matched() bool {
	return m.MatchedKey != nil
}

// Ambiguous reports whether a pharmacist still has to pick a brand.
func (m Match) Ambiguous() bool {
	return m.MatchedKey == nil && len(m.CandidateBrands) > 1
}

// Resolver maps prescription lines to stock items. It never mutates stock.
type Resolver struct {
	catalog stock.Catalog
}

func NewResolver(catalog stock.Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve tries an exact generic and brand match first, then falls back to
// every brand stocked under the generic. One candidate resolves on its own;
// several are returned for selection. Only storage failures are errors.
func (r *Resolver) Resolve(ctx context.Context, line prescription.Line) (Match, error) {
	if line.Brand != "" {
		item, err := r.catalog.LookupByGenericAndBrand(ctx, line.Generic, line.Brand)
		switch {
		case err == nil:
			return matchItem(item, []string{item.Brand}), nil
		case !errors.Is(err, stock.ErrNotFound):
			return Match{}, fmt.Errorf("resolve %q: %w", line.Raw, err)
		}
	}

	items, err := r.catalog.LookupByGenericOnly(ctx, line.Generic)
	if err != nil {
		return Match{}, fmt.Errorf("resolve %q by generic: %w", line.Raw, err)
	}
	switch len(items) {
	case 0:
		return Match{CandidateBrands: []string{}, DisplayName: lineName(line)}, nil
	case 1:
		return matchItem(items[0], []string{items[0].Brand}), nil
	}

	brands := make([]string, len(items))
	for i, it := range items {
		brands[i] = it.Brand
	}
	return Match{CandidateBrands: brands, DisplayName: lineName(line)}, nil
}

// SelectBrand settles a line on one of its candidate brands and reads the
// current quantity for it.
func (r *Resolver) SelectBrand(ctx context.Context, line prescription.Line, m Match, brand string) (Match, error) {
	brand = strings.TrimSpace(brand)
	for _, candidate := range m.CandidateBrands {
		if !strings.EqualFold(candidate, brand) {
			continue
		}
		item, err := r.catalog.LookupByGenericAndBrand(ctx, line.Generic, candidate)
		if err != nil {
			return m, fmt.Errorf("select brand %q: %w", candidate, err)
		}
		return matchItem(item, m.CandidateBrands), nil
	}
	return m, fmt.Errorf("%w: %q", ErrUnknownBrand, brand)
}

func matchItem(item *stock.StockItem, candidates []string) Match {
	key := item.Key
	return Match{
		MatchedKey:       &key,
		CandidateBrands:  candidates,
		ResolvedQuantity: item.QuantityOnHand,
		DisplayName:      item.DisplayName(),
	}
}

func lineName(line prescription.Line) string {
	if line.Generic != "" {
		return line.Generic
	}
	if line.Brand != "" {
		return line.Brand
	}
	return strings.TrimSpace(line.Raw)
}
