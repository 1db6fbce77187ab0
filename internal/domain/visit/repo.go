package visit

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("visit not found")
	ErrInvalid  = errors.New("invalid visit")
)

type Repository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	// List returns visits newest first.
	List(ctx context.Context, params ListParams, limit, offset int) ([]*Visit, int, error)
	// MarkDispensed sets the dispensed flag and replaces the details text.
	MarkDispensed(ctx context.Context, id uuid.UUID, details string) error
}
