package stock

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// KeySeparator joins the lower-cased generic and brand names in a StockItem key.
const KeySeparator = "||"

// StockItem is one stock-keeping unit: a single (generic, brand) combination
// with its on-hand quantity. Key is the only stable handle for mutations.
type StockItem struct {
	Key            string     `db:"key" json:"key"`
	Generic        string     `db:"generic" json:"generic"`
	Brand          string     `db:"brand" json:"brand"`
	DosageForm     string     `db:"dosage_form" json:"dosage_form"`
	Dose           string     `db:"dose" json:"dose"`
	Unit           string     `db:"unit" json:"unit"`
	Expiry         *time.Time `db:"expiry" json:"expiry,omitempty"`
	QuantityOnHand int        `db:"quantity_on_hand" json:"quantity_on_hand"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// DisplayName is the label used in dispensation summaries.
func (s *StockItem) DisplayName() string {
	return DisplayName(s.Generic, s.Brand)
}

// DisplayName renders "Generic — Brand", or just the generic when no brand is known.
func DisplayName(generic, brand string) string {
	if brand == "" {
		return generic
	}
	if generic == "" {
		return brand
	}
	return generic + " — " + brand
}

// MakeKey derives the catalog identity for a generic/brand pair.
func MakeKey(generic, brand string) string {
	return strings.ToLower(CollapseSpace(generic)) + KeySeparator + strings.ToLower(CollapseSpace(brand))
}

// CollapseSpace trims a name and folds runs of whitespace into one space.
// Stored names and lookup arguments both pass through it.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TitleName trims and title-cases a drug or dosage-form name.
func TitleName(s string) string {
	s = CollapseSpace(s)
	if s == "" {
		return ""
	}
	return cases.Title(language.Und).String(s)
}

// ImportRow is one raw line of a stock reference list, before normalisation.
type ImportRow struct {
	Generic    string      `json:"generic"`
	Brand      string      `json:"brand"`
	DosageForm string      `json:"dosage_form"`
	Dose       string      `json:"dose"`
	Expiry     string      `json:"expiry"`
	Unit       string      `json:"unit"`
	Quantity   RawQuantity `json:"quantity"`
}

// RawQuantity holds a quantity cell as written in the source list. It accepts
// both JSON numbers and strings.
type RawQuantity string

func (q *RawQuantity) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*q = RawQuantity(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Anything else (null, objects) counts as an unknown quantity.
		*q = ""
		return nil
	}
	*q = RawQuantity(s)
	return nil
}

// Int coerces the cell to a non-negative integer; blanks, junk and negative
// values become 0 and fractional values are truncated.
func (q RawQuantity) Int() int {
	s := strings.ReplaceAll(strings.TrimSpace(string(q)), ",", "")
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > math.MaxInt32 {
			return 0
		}
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f > math.MaxInt32 {
		return 0
	}
	return int(f)
}

// expiryLayouts are tried in order. Month-precision layouts resolve to the
// last day of that month.
var expiryLayouts = []struct {
	layout   string
	monthEnd bool
}{
	{"2006-01-02", false},
	{"2006-01-02 15:04:05", false},
	{"02/01/2006", false},
	{"02-01-2006", false},
	{"2/1/2006", false},
	{"02 Jan 2006", false},
	{"2006-01", true},
	{"01/2006", true},
	{"1/2006", true},
	{"01-2006", true},
	{"Jan-2006", true},
	{"Jan 2006", true},
	{"January 2006", true},
	{"Jan-06", true},
}

// ParseExpiry parses an expiry cell. Unrecognised text yields nil; expiry is
// advisory metadata, so a bad date never rejects the row.
func ParseExpiry(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, l := range expiryLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		if l.monthEnd {
			t = t.AddDate(0, 1, -1)
		}
		return &t
	}
	return nil
}

// Normalize converts a raw row into a StockItem. ok is false for rows with
// neither a generic nor a brand name.
func Normalize(row ImportRow) (item *StockItem, ok bool) {
	generic := TitleName(row.Generic)
	brand := TitleName(row.Brand)
	if generic == "" && brand == "" {
		return nil, false
	}
	return &StockItem{
		Key:            MakeKey(generic, brand),
		Generic:        generic,
		Brand:          brand,
		DosageForm:     TitleName(row.DosageForm),
		Dose:           strings.TrimSpace(row.Dose),
		Unit:           strings.ToLower(strings.TrimSpace(row.Unit)),
		Expiry:         ParseExpiry(row.Expiry),
		QuantityOnHand: row.Quantity.Int(),
	}, true
}

// Aggregate normalises rows and merges duplicate keys by summing quantities.
// Descriptive fields come from the first row seen for a key; output order
// follows first appearance. It also returns how many rows were dropped.
func Aggregate(rows []ImportRow) (items []*StockItem, dropped int) {
	index := make(map[string]*StockItem, len(rows))
	for _, row := range rows {
		item, ok := Normalize(row)
		if !ok {
			dropped++
			continue
		}
		if existing, found := index[item.Key]; found {
			existing.QuantityOnHand += item.QuantityOnHand
			if existing.Expiry == nil {
				existing.Expiry = item.Expiry
			}
			continue
		}
		index[item.Key] = item
		items = append(items, item)
	}
	return items, dropped
}
