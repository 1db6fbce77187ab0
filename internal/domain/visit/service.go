package visit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/pharmacy/internal/domain/prescription"
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Create stores a new visit. When lines are given they are formatted into the
// medicines field and any raw Medicines text is ignored.
func (s *Service) Create(ctx context.Context, v *Visit, lines []prescription.Line) error {
	if len(lines) > 0 {
		v.Medicines = prescription.Format(lines)
	}
	v.Medicines = strings.TrimSpace(v.Medicines)
	v.PatientID = strings.TrimSpace(v.PatientID)
	if v.PatientID == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalid)
	}
	if v.VisitDate.IsZero() {
		v.VisitDate = s.now().UTC()
	}
	v.Dispensed = DispensedNo
	v.DispensedDetails = ""
	return s.repo.Create(ctx, v)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, params ListParams, limit, offset int) ([]*Visit, int, error) {
	switch params.Status {
	case "", FilterAll:
		params.Status = FilterAll
	case FilterPending, FilterDispensed:
	default:
		return nil, 0, fmt.Errorf("%w: status must be %s, %s or %s", ErrInvalid, FilterPending, FilterDispensed, FilterAll)
	}
	return s.repo.List(ctx, params, limit, offset)
}

// RecordDispensation marks the visit dispensed and replaces its details with
// summary. A second dispensation against the same visit overwrites the first.
func (s *Service) RecordDispensation(ctx context.Context, visitID uuid.UUID, summary string) error {
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("%w: dispensation summary is empty", ErrInvalid)
	}
	return s.repo.MarkDispensed(ctx, visitID, summary)
}
