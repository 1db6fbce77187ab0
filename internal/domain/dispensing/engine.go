package dispensing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/pharmacy/internal/domain/prescription"
	"github.com/clinic/pharmacy/internal/domain/stock"
	"github.com/clinic/pharmacy/internal/platform/db"
	"github.com/clinic/pharmacy/internal/platform/telemetry"
)

// Line failure reasons reported in a Result and as metric labels.
const (
	ReasonUnmatched         = "unmatched"
	ReasonInsufficientStock = "insufficient_stock"
	ReasonNotFound          = "not_found"
	ReasonError             = "error"
)

// RecordUpdater writes the dispensation summary onto the visit record.
// *visit.Service satisfies it.
type RecordUpdater interface {
	RecordDispensation(ctx context.Context, visitID uuid.UUID, summary string) error
}

type CommittedLine struct {
	Index       int    `json:"index"`
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Quantity    int    `json:"quantity"`
	Remaining   int    `json:"remaining"`
}

type LineFailure struct {
	Index       int    `json:"index"`
	Key         string `json:"key,omitempty"`
	DisplayName string `json:"display_name"`
	Quantity    int    `json:"quantity"`
	Reason      string `json:"reason"`
	Message     string `json:"error"`
	Err         error  `json:"-"`
}

// Result is the outcome of a commit. Dispensed is true once the summary has
// been written to the visit.
type Result struct {
	SessionID uuid.UUID       `json:"session_id"`
	VisitID   uuid.UUID       `json:"visit_id"`
	Committed []CommittedLine `json:"committed"`
	Failures  []LineFailure   `json:"failures"`
	Summary   string          `json:"summary"`
	Dispensed bool            `json:"dispensed"`
}

// Summary renders committed lines as "<name> => <qty> (remaining <n>)" clauses
// joined by "; ". Record viewers parse this text.
func Summary(lines []CommittedLine) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = fmt.Sprintf("%s => %d (remaining %d)", l.DisplayName, l.Quantity, l.Remaining)
	}
	return strings.Join(parts, "; ")
}

type Engine struct {
	catalog  stock.Catalog
	resolver *Resolver
	recorder RecordUpdater
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

func NewEngine(catalog stock.Catalog, recorder RecordUpdater, logger zerolog.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		catalog:  catalog,
		resolver: NewResolver(catalog),
		recorder: recorder,
		logger:   logger.With().Str("component", "dispensing").Logger(),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Open parses the visit's medicines and resolves every line against the
// catalog of the clinic on ctx. Malformed lines are kept with whatever fields
// could be read so the pharmacist still sees them.
func (e *Engine) Open(ctx context.Context, visitID uuid.UUID, medicines string) (*Session, error) {
	now := e.now().UTC()
	s := &Session{
		ID:        uuid.New(),
		VisitID:   visitID,
		ClinicID:  db.ClinicFromContext(ctx),
		State:     StateOpened,
		OpenedAt:  now,
		UpdatedAt: now,
	}

	lines := prescription.ParseMedicines(medicines)
	s.Lines = make([]SessionLine, 0, len(lines))
	for i, line := range lines {
		m, err := e.resolver.Resolve(ctx, line)
		if err != nil {
			return nil, err
		}
		s.Lines = append(s.Lines, SessionLine{Index: i, Line: line, Match: m})
	}
	s.State = StateLinesResolved

	e.logger.Debug().
		Str("session_id", s.ID.String()).
		Str("visit_id", visitID.String()).
		Str("clinic_id", s.ClinicID).
		Int("lines", len(s.Lines)).
		Msg("dispensation session opened")
	return s, nil
}

// SelectBrand settles the brand for one line. Any quantity already entered on
// that line is cleared since it was bounded by the previous stock item.
func (e *Engine) SelectBrand(ctx context.Context, s *Session, index int, brand string) error {
	if err := requireOpen(s); err != nil {
		return err
	}
	sl, err := s.line(index)
	if err != nil {
		return err
	}
	m, err := e.resolver.SelectBrand(ctx, sl.Line, sl.Match, brand)
	if err != nil {
		return err
	}
	sl.Match = m
	sl.Quantity = 0
	s.UpdatedAt = e.now().UTC()
	return nil
}

// SetQuantity records how many units to hand out for a line. Quantities can
// only be entered once every ambiguous line has a brand.
func (e *Engine) SetQuantity(s *Session, index, qty int) error {
	if err := requireOpen(s); err != nil {
		return err
	}
	sl, err := s.line(index)
	if err != nil {
		return err
	}
	if pending := s.PendingBrand(); pending != nil {
		return pending
	}
	if qty < 0 {
		return fmt.Errorf("%w: quantity must not be negative, got %d", ErrInvalidQuantity, qty)
	}
	if !sl.Match.Matched() && qty > 0 {
		return fmt.Errorf("line %d (%s): %w", index, sl.Match.DisplayName, ErrUnmatchedMedicine)
	}
	if qty > sl.Match.ResolvedQuantity {
		return fmt.Errorf("%w: %d requested for %s, %d on hand", ErrInvalidQuantity, qty, sl.Match.DisplayName, sl.Match.ResolvedQuantity)
	}
	sl.Quantity = qty
	s.State = StateQuantitiesEntered
	s.UpdatedAt = e.now().UTC()
	return nil
}

// Commit decrements stock for every line with a positive quantity. Lines fail
// independently: an unmatched line or a shortfall is reported and the rest
// still commit. If nothing commits, ErrNoOpDispensation is returned alongside
// the result and the session stays open for correction. Once stock has moved
// there is no rollback; stock adjustment is the only compensation.
func (e *Engine) Commit(ctx context.Context, s *Session) (*Result, error) {
	if err := requireOpen(s); err != nil {
		return nil, err
	}
	if pending := s.PendingBrand(); pending != nil {
		return nil, pending
	}

	log := e.logger.With().
		Str("session_id", s.ID.String()).
		Str("visit_id", s.VisitID.String()).
		Logger()

	res := &Result{
		SessionID: s.ID,
		VisitID:   s.VisitID,
		Committed: []CommittedLine{},
		Failures:  []LineFailure{},
	}
	units := 0
	for _, sl := range s.Lines {
		if sl.Quantity <= 0 {
			continue
		}
		if !sl.Match.Matched() {
			res.Failures = append(res.Failures, e.failure(log, sl, "", ReasonUnmatched, ErrUnmatchedMedicine))
			continue
		}

		key := *sl.Match.MatchedKey
		remaining, err := e.catalog.Decrement(ctx, key, sl.Quantity)
		if err != nil {
			res.Failures = append(res.Failures, e.failure(log, sl, key, failureReason(err), err))
			continue
		}
		units += sl.Quantity
		res.Committed = append(res.Committed, CommittedLine{
			Index:       sl.Index,
			Key:         key,
			DisplayName: sl.Match.DisplayName,
			Quantity:    sl.Quantity,
			Remaining:   remaining,
		})
	}

	s.UpdatedAt = e.now().UTC()
	if len(res.Committed) == 0 {
		s.State = StateQuantitiesEntered
		e.metrics.CommitOutcome("noop")
		log.Info().Int("failures", len(res.Failures)).Msg("dispensation had nothing to commit")
		return res, ErrNoOpDispensation
	}

	res.Summary = Summary(res.Committed)
	s.State = StateCommitted
	s.Result = res
	e.metrics.Dispensed(units)

	if err := e.recorder.RecordDispensation(ctx, s.VisitID, res.Summary); err != nil {
		e.metrics.CommitOutcome("record_failed")
		log.Error().Err(err).Str("summary", res.Summary).Msg("stock dispensed but visit record not updated")
		return res, fmt.Errorf("record dispensation for visit %s: %w", s.VisitID, err)
	}
	res.Dispensed = true

	outcome := "committed"
	if len(res.Failures) > 0 {
		outcome = "partial"
	}
	e.metrics.CommitOutcome(outcome)
	log.Info().
		Int("committed", len(res.Committed)).
		Int("failures", len(res.Failures)).
		Int("units", units).
		Str("summary", res.Summary).
		Msg("dispensation committed")
	return res, nil
}

// Abandon discards the session. Stock is never touched.
func (e *Engine) Abandon(s *Session) error {
	if err := requireOpen(s); err != nil {
		return err
	}
	s.State = StateAbandoned
	s.UpdatedAt = e.now().UTC()
	e.logger.Debug().Str("session_id", s.ID.String()).Msg("dispensation session abandoned")
	return nil
}

func (e *Engine) failure(log zerolog.Logger, sl SessionLine, key, reason string, err error) LineFailure {
	e.metrics.LineFailure(reason)
	log.Warn().Err(err).
		Int("line", sl.Index).
		Str("key", key).
		Int("quantity", sl.Quantity).
		Str("reason", reason).
		Msg("dispensation line failed")
	return LineFailure{
		Index:       sl.Index,
		Key:         key,
		DisplayName: sl.Match.DisplayName,
		Quantity:    sl.Quantity,
		Reason:      reason,
		Message:     err.Error(),
		Err:         err,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, stock.ErrInsufficientStock):
		return ReasonInsufficientStock
	case errors.Is(err, stock.ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonError
	}
}

func requireOpen(s *Session) error {
	switch s.State {
	case StateLinesResolved, StateQuantitiesEntered:
		return nil
	}
	return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.State)
}
