package visit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/pharmacy/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const visitCols = `id, patient_id, doctor_type, visit_date, medicines, dispensed, dispensed_details, created_at, updated_at`

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PatientID, &v.DoctorType, &v.VisitDate, &v.Medicines,
		&v.Dispensed, &v.DispensedDetails, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *repoPG) Create(ctx context.Context, v *Visit) error {
	v.ID = uuid.New()
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO visit (id, patient_id, doctor_type, visit_date, medicines, dispensed, dispensed_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		v.ID, v.PatientID, v.DoctorType, v.VisitDate, v.Medicines, v.Dispensed, v.DispensedDetails)
	if err := row.Scan(&v.CreatedAt, &v.UpdatedAt); err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return scanVisit(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, params ListParams, limit, offset int) ([]*Visit, int, error) {
	q := db.Conn(ctx, r.pool)

	var where []string
	var args []interface{}
	switch params.Status {
	case FilterPending:
		args = append(args, DispensedNo)
		where = append(where, fmt.Sprintf("dispensed = $%d", len(args)))
	case FilterDispensed:
		args = append(args, DispensedYes)
		where = append(where, fmt.Sprintf("dispensed = $%d", len(args)))
	}
	if params.PatientID != "" {
		args = append(args, params.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM visit`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count visits: %w", err)
	}

	if limit <= 0 {
		limit = math.MaxInt32
	}
	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM visit%s ORDER BY visit_date DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		visitCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	var out []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

// MarkDispensed overwrites any earlier dispensation details.
func (r *repoPG) MarkDispensed(ctx context.Context, id uuid.UUID, details string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE visit SET dispensed = $2, dispensed_details = $3, updated_at = NOW()
		WHERE id = $1`, id, DispensedYes, details)
	if err != nil {
		return fmt.Errorf("mark visit dispensed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
