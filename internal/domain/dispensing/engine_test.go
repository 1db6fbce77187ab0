package dispensing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/pharmacy/internal/domain/stock"
)

type recordCall struct {
	visitID uuid.UUID
	summary string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordCall
	err   error
}

func (f *fakeRecorder) RecordDispensation(_ context.Context, visitID uuid.UUID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordCall{visitID: visitID, summary: summary})
	return f.err
}

func newTestEngine(catalog stock.Catalog) (*Engine, *fakeRecorder) {
	rec := &fakeRecorder{}
	return NewEngine(catalog, rec, zerolog.Nop(), nil), rec
}

func quantityOf(t *testing.T, catalog *stock.Service, key string) int {
	t.Helper()
	it, err := catalog.LookupByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("lookup %s: %v", key, err)
	}
	return it.QuantityOnHand
}

func openSession(t *testing.T, e *Engine, medicines string) *Session {
	t.Helper()
	s, err := e.Open(context.Background(), uuid.New(), medicines)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestEngine_Open(t *testing.T) {
	e, _ := newTestEngine(paracetamolCatalog(t))
	s := openSession(t, e, "Paracetamol (TDS, After meals, 10); ; Amoxicillin [Amoxil] (BD, Morning, 14); Aspirin [Disprin] (OD")

	if s.State != StateLinesResolved {
		t.Errorf("state = %s, want %s", s.State, StateLinesResolved)
	}
	if len(s.Lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(s.Lines))
	}
	if !s.Lines[0].Match.Ambiguous() {
		t.Error("line 0 should need a brand")
	}
	if !s.Lines[1].Match.Matched() {
		t.Error("line 1 should be matched")
	}
	if s.Lines[2].Match.Matched() || s.Lines[2].Line.Generic != "Aspirin" {
		t.Errorf("line 2 should be unmatched Aspirin, got %+v", s.Lines[2])
	}
	if p := s.PendingBrand(); p == nil || p.Index != 0 {
		t.Errorf("expected pending brand on line 0, got %v", p)
	}
}

func TestEngine_SetQuantity_RequiresBrandSelection(t *testing.T) {
	e, _ := newTestEngine(paracetamolCatalog(t))
	s := openSession(t, e, "Paracetamol (TDS, After meals, 10); Amoxicillin (BD, Morning, 14)")

	err := e.SetQuantity(s, 1, 1)
	var amb *AmbiguousBrandError
	if !errors.As(err, &amb) || !errors.Is(err, ErrAmbiguousBrand) {
		t.Fatalf("expected AmbiguousBrandError, got %v", err)
	}
	if amb.Index != 0 || len(amb.Candidates) != 2 {
		t.Errorf("unexpected ambiguity: %+v", amb)
	}
	if s.State != StateLinesResolved {
		t.Errorf("state moved to %s", s.State)
	}
	if _, err := e.Commit(context.Background(), s); !errors.Is(err, ErrAmbiguousBrand) {
		t.Errorf("commit should be blocked by ambiguity, got %v", err)
	}

	if err := e.SelectBrand(context.Background(), s, 0, "Panadol"); err != nil {
		t.Fatalf("select brand: %v", err)
	}
	if err := e.SetQuantity(s, 1, 1); err != nil {
		t.Fatalf("set quantity after selection: %v", err)
	}
	if s.State != StateQuantitiesEntered {
		t.Errorf("state = %s, want %s", s.State, StateQuantitiesEntered)
	}
}

func TestEngine_SetQuantity_Bounds(t *testing.T) {
	e, _ := newTestEngine(paracetamolCatalog(t))
	s := openSession(t, e, "Paracetamol [Panadol] (TDS, After meals, 10); Aspirin (OD, Night, 5)")

	tests := []struct {
		name    string
		index   int
		qty     int
		wantErr error
	}{
		{"within stock", 0, 10, nil},
		{"zero", 0, 0, nil},
		{"negative", 0, -1, ErrInvalidQuantity},
		{"above stock", 0, 11, ErrInvalidQuantity},
		{"unmatched zero", 1, 0, nil},
		{"unmatched positive", 1, 3, ErrUnmatchedMedicine},
		{"bad index", 2, 1, ErrLineIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.SetQuantity(s, tt.index, tt.qty)
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEngine_SelectBrand_ResetsQuantity(t *testing.T) {
	e, _ := newTestEngine(paracetamolCatalog(t))
	s := openSession(t, e, "Paracetamol (TDS, After meals, 10)")
	ctx := context.Background()

	_ = e.SelectBrand(ctx, s, 0, "Panadol")
	if err := e.SetQuantity(s, 0, 8); err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	if err := e.SelectBrand(ctx, s, 0, "calpol"); err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if s.Lines[0].Quantity != 0 || s.Lines[0].Match.ResolvedQuantity != 4 {
		t.Errorf("expected quantity reset against Calpol, got %+v", s.Lines[0])
	}
	if err := e.SelectBrand(ctx, s, 0, "Tylenol"); !errors.Is(err, ErrUnknownBrand) {
		t.Errorf("expected ErrUnknownBrand, got %v", err)
	}
}

func TestEngine_Commit_PartialSuccess(t *testing.T) {
	catalog := seedCatalog(t,
		stock.ImportRow{Generic: "Paracetamol", Brand: "Panadol", Quantity: "10"},
		stock.ImportRow{Generic: "Ibuprofen", Brand: "Brufen", Quantity: "2"},
	)
	e, rec := newTestEngine(catalog)
	s := openSession(t, e, "Paracetamol [Panadol] (TDS, After meals, 10); Ibuprofen [Brufen] (BD, Morning, 5)")

	if err := e.SetQuantity(s, 0, 3); err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	// Entered before the stock dropped; the commit must still refuse it.
	s.Lines[1].Quantity = 5

	res, err := e.Commit(context.Background(), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State != StateCommitted || !res.Dispensed {
		t.Errorf("state = %s, dispensed = %v", s.State, res.Dispensed)
	}
	if len(res.Committed) != 1 || res.Committed[0].Remaining != 7 {
		t.Fatalf("unexpected committed lines: %+v", res.Committed)
	}
	if len(res.Failures) != 1 || res.Failures[0].Reason != ReasonInsufficientStock ||
		!errors.Is(res.Failures[0].Err, stock.ErrInsufficientStock) {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}

	want := "Paracetamol — Panadol => 3 (remaining 7)"
	if res.Summary != want {
		t.Errorf("summary = %q, want %q", res.Summary, want)
	}
	if len(rec.calls) != 1 || rec.calls[0].summary != want || rec.calls[0].visitID != s.VisitID {
		t.Errorf("unexpected record calls: %+v", rec.calls)
	}
	if got := quantityOf(t, catalog, "paracetamol||panadol"); got != 7 {
		t.Errorf("panadol = %d, want 7", got)
	}
	if got := quantityOf(t, catalog, "ibuprofen||brufen"); got != 2 {
		t.Errorf("brufen = %d, want 2", got)
	}
}

func TestEngine_Commit_RejectsUnmatched(t *testing.T) {
	catalog := paracetamolCatalog(t)
	e, rec := newTestEngine(catalog)
	s := openSession(t, e, "Aspirin [Disprin] (OD, Night, 3)")
	s.Lines[0].Quantity = 3
	s.State = StateQuantitiesEntered

	res, err := e.Commit(context.Background(), s)
	if !errors.Is(err, ErrNoOpDispensation) {
		t.Fatalf("expected ErrNoOpDispensation, got %v", err)
	}
	if len(res.Failures) != 1 || !errors.Is(res.Failures[0].Err, ErrUnmatchedMedicine) || res.Failures[0].Reason != ReasonUnmatched {
		t.Errorf("unexpected failures: %+v", res.Failures)
	}
	if len(rec.calls) != 0 {
		t.Error("visit must not be updated")
	}
	if s.State != StateQuantitiesEntered {
		t.Errorf("state = %s, want %s", s.State, StateQuantitiesEntered)
	}
	for key, want := range map[string]int{"paracetamol||panadol": 10, "paracetamol||calpol": 4, "amoxicillin||amoxil": 2} {
		if got := quantityOf(t, catalog, key); got != want {
			t.Errorf("%s = %d, want %d", key, got, want)
		}
	}
}

func TestEngine_Commit_UnmatchedLineDoesNotBlockOthers(t *testing.T) {
	catalog := paracetamolCatalog(t)
	e, _ := newTestEngine(catalog)
	s := openSession(t, e, "Aspirin (OD, Night, 3); Amoxicillin (BD, Morning, 14)")
	s.Lines[0].Quantity = 3
	if err := e.SetQuantity(s, 1, 2); err != nil {
		t.Fatalf("set quantity: %v", err)
	}

	res, err := e.Commit(context.Background(), s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Committed) != 1 || len(res.Failures) != 1 || res.Failures[0].Index != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Summary != "Amoxicillin — Amoxil => 2 (remaining 0)" {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestEngine_Commit_NoOp(t *testing.T) {
	catalog := paracetamolCatalog(t)
	e, rec := newTestEngine(catalog)
	s := openSession(t, e, "Paracetamol [Panadol] (TDS, After meals, 10); Amoxicillin (BD, Morning, 14)")
	_ = e.SetQuantity(s, 0, 0)

	res, err := e.Commit(context.Background(), s)
	if !errors.Is(err, ErrNoOpDispensation) {
		t.Fatalf("expected ErrNoOpDispensation, got %v", err)
	}
	if len(res.Committed) != 0 || len(res.Failures) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if s.State != StateQuantitiesEntered {
		t.Errorf("state = %s, want %s", s.State, StateQuantitiesEntered)
	}
	if len(rec.calls) != 0 {
		t.Error("visit must not be updated")
	}
	if got := quantityOf(t, catalog, "paracetamol||panadol"); got != 10 {
		t.Errorf("panadol = %d, want 10", got)
	}

	// The session stays usable after a no-op.
	if err := e.SetQuantity(s, 0, 1); err != nil {
		t.Fatalf("retry set quantity: %v", err)
	}
	if _, err := e.Commit(context.Background(), s); err != nil {
		t.Fatalf("retry commit: %v", err)
	}
}

func TestEngine_Commit_RecordFailure(t *testing.T) {
	catalog := paracetamolCatalog(t)
	e, rec := newTestEngine(catalog)
	rec.err = errors.New("visit table locked")
	s := openSession(t, e, "Amoxicillin (BD, Morning, 14)")
	_ = e.SetQuantity(s, 0, 1)

	res, err := e.Commit(context.Background(), s)
	if !errors.Is(err, rec.err) {
		t.Fatalf("expected record error, got %v", err)
	}
	if res == nil || res.Dispensed || len(res.Committed) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if s.State != StateCommitted {
		t.Errorf("state = %s, want %s", s.State, StateCommitted)
	}
	if got := quantityOf(t, catalog, "amoxicillin||amoxil"); got != 1 {
		t.Errorf("amoxil = %d, want 1", got)
	}
}

func TestEngine_Abandon(t *testing.T) {
	catalog := paracetamolCatalog(t)
	e, rec := newTestEngine(catalog)
	s := openSession(t, e, "Paracetamol [Panadol] (TDS, After meals, 10)")
	_ = e.SetQuantity(s, 0, 5)

	if err := e.Abandon(s); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if got := quantityOf(t, catalog, "paracetamol||panadol"); got != 10 {
		t.Errorf("panadol = %d, want 10", got)
	}
	if len(rec.calls) != 0 {
		t.Error("visit must not be updated")
	}

	if err := e.SetQuantity(s, 0, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := e.Commit(context.Background(), s); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := e.Abandon(s); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestEngine_ConcurrentSessionsNeverOverdraw(t *testing.T) {
	catalog := seedCatalog(t, stock.ImportRow{Generic: "Insulin", Brand: "Lantus", Quantity: "5"})
	e, rec := newTestEngine(catalog)

	const sessions = 2
	var wg sync.WaitGroup
	results := make([]*Result, sessions)
	for i := 0; i < sessions; i++ {
		s := openSession(t, e, "Insulin [Lantus] (OD, Night, 5)")
		if err := e.SetQuantity(s, 0, 5); err != nil {
			t.Fatalf("set quantity: %v", err)
		}
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			results[i], _ = e.Commit(context.Background(), s)
		}(i, s)
	}
	wg.Wait()

	committed := 0
	for _, r := range results {
		committed += len(r.Committed)
	}
	if committed != 1 {
		t.Errorf("expected exactly one commit, got %d", committed)
	}
	if got := quantityOf(t, catalog, "insulin||lantus"); got != 0 {
		t.Errorf("lantus = %d, want 0", got)
	}
	if len(rec.calls) != 1 {
		t.Errorf("expected one visit update, got %d", len(rec.calls))
	}
}

func TestSummary(t *testing.T) {
	got := Summary([]CommittedLine{
		{DisplayName: "Paracetamol — Panadol", Quantity: 3, Remaining: 7},
		{DisplayName: "Amoxicillin", Quantity: 14, Remaining: 0},
	})
	want := "Paracetamol — Panadol => 3 (remaining 7); Amoxicillin => 14 (remaining 0)"
	if got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
	if Summary(nil) != "" {
		t.Error("expected empty summary for no lines")
	}
}
