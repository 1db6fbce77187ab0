package visit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu     sync.RWMutex
	visits map[uuid.UUID]*Visit
}

// NewMemoryRepo keeps visits in process memory for STORAGE_DRIVER=memory and tests.
func NewMemoryRepo() Repository {
	return &memoryRepo{visits: make(map[uuid.UUID]*Visit)}
}

func (r *memoryRepo) Create(_ context.Context, v *Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v.ID = uuid.New()
	now := time.Now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	c := *v
	r.visits[v.ID] = &c
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.visits[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *v
	return &c, nil
}

func (r *memoryRepo) List(_ context.Context, params ListParams, limit, offset int) ([]*Visit, int, error) {
	r.mu.RLock()
	var matched []*Visit
	for _, v := range r.visits {
		switch params.Status {
		case FilterPending:
			if v.Dispensed == DispensedYes {
				continue
			}
		case FilterDispensed:
			if v.Dispensed != DispensedYes {
				continue
			}
		}
		if params.PatientID != "" && v.PatientID != params.PatientID {
			continue
		}
		c := *v
		matched = append(matched, &c)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].VisitDate.Equal(matched[j].VisitDate) {
			return matched[i].VisitDate.After(matched[j].VisitDate)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
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

func (r *memoryRepo) MarkDispensed(_ context.Context, id uuid.UUID, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok {
		return ErrNotFound
	}
	v.Dispensed = DispensedYes
	v.DispensedDetails = details
	v.UpdatedAt = time.Now().UTC()
	return nil
}
