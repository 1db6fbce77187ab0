package stock

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Encoding of an uploaded reference list.
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1252 = "windows-1252"
)

var ErrMissingColumns = errors.New("reference list needs Generic and Brand columns")

// quantityHeaders are accepted names for the quantity column, in priority order.
var quantityHeaders = []string{"quantity", "stockqty", "qty", "stockquantity", "stock"}

func headerKey(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ReadCSV reads a drug reference list exported from a spreadsheet. Header
// names are matched loosely ("Dosage Form", "dosage_form"); rows shorter than
// the header are padded with blanks.
func ReadCSV(r io.Reader, encoding string) ([]ImportRow, error) {
	switch strings.ToLower(encoding) {
	case "", EncodingUTF8:
	case EncodingWindows1252, "cp1252":
		r = transform.NewReader(r, charmap.Windows1252.NewDecoder())
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrMissingColumns
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		k := headerKey(h)
		if _, dup := col[k]; !dup {
			col[k] = i
		}
	}
	if _, ok := col["generic"]; !ok {
		return nil, ErrMissingColumns
	}
	if _, ok := col["brand"]; !ok {
		return nil, ErrMissingColumns
	}
	qtyCol := -1
	for _, name := range quantityHeaders {
		if i, ok := col[name]; ok {
			qtyCol = i
			break
		}
	}

	cell := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var rows []ImportRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		row := ImportRow{
			Generic:    cell(rec, "generic"),
			Brand:      cell(rec, "brand"),
			DosageForm: cell(rec, "dosageform"),
			Dose:       cell(rec, "dose"),
			Expiry:     cell(rec, "expiry"),
			Unit:       cell(rec, "unit"),
		}
		if qtyCol >= 0 && qtyCol < len(rec) {
			row.Quantity = RawQuantity(rec[qtyCol])
		}
		rows = append(rows, row)
	}
	return rows, nil
}
