package dispensing

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinic/pharmacy/internal/domain/prescription"
)

type State string

const (
	StateOpened            State = "opened"
	StateLinesResolved     State = "lines_resolved"
	StateQuantitiesEntered State = "quantities_entered"
	StateCommitted         State = "committed"
	StateAbandoned         State = "abandoned"
)

// Closed reports whether the state is terminal.
func (s State) Closed() bool {
	return s == StateCommitted || s == StateAbandoned
}

// SessionLine is one prescription line with its resolution and the quantity
// the pharmacist chose to hand out.
type SessionLine struct {
	Index    int               `json:"index"`
	Line     prescription.Line `json:"line"`
	Match    Match             `json:"match"`
	Quantity int               `json:"quantity"`
}

// Session holds every in-progress decision for dispensing one visit. It is
// passed explicitly to each engine operation. ClinicID is the clinic whose
// catalog the lines were resolved against; it is empty for single-catalog
// storage.
type Session struct {
	ID        uuid.UUID     `json:"id"`
	VisitID   uuid.UUID     `json:"visit_id"`
	ClinicID  string        `json:"clinic_id,omitempty"`
	Lines     []SessionLine `json:"lines"`
	State     State         `json:"state"`
	OpenedAt  time.Time     `json:"opened_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Result    *Result       `json:"result,omitempty"`
}

// PendingBrand returns the first line still waiting for a brand choice.
func (s *Session) PendingBrand() *AmbiguousBrandError {
	for _, l := range s.Lines {
		if l.Match.Ambiguous() {
			return &AmbiguousBrandError{Index: l.Index, Generic: l.Line.Generic, Candidates: l.Match.CandidateBrands}
		}
	}
	return nil
}

func (s *Session) line(index int) (*SessionLine, error) {
	if index < 0 || index >= len(s.Lines) {
		return nil, ErrLineIndex
	}
	return &s.Lines[index], nil
}

// Clone copies the session so it can be read outside the store lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Lines = append([]SessionLine(nil), s.Lines...)
	if s.Result != nil {
		r := *s.Result
		c.Result = &r
	}
	return &c
}
