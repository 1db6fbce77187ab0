package visit

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinic/pharmacy/internal/domain/prescription"
)

// Values of the dispensed column. They are stored as text because record
// viewers and exports read them verbatim.
const (
	DispensedYes = "Yes"
	DispensedNo  = "No"
)

// Visit is one consultation. Medicines holds the prescription in the
// "generic [brand] (frequency, time, amount); ..." format.
type Visit struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientID        string    `db:"patient_id" json:"patient_id"`
	DoctorType       string    `db:"doctor_type" json:"doctor_type"`
	VisitDate        time.Time `db:"visit_date" json:"visit_date"`
	Medicines        string    `db:"medicines" json:"medicines"`
	Dispensed        string    `db:"dispensed" json:"dispensed"`
	DispensedDetails string    `db:"dispensed_details" json:"dispensed_details"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

func (v *Visit) IsDispensed() bool {
	return v.Dispensed == DispensedYes
}

// Lines parses the medicines field.
func (v *Visit) Lines() []prescription.Line {
	return prescription.ParseMedicines(v.Medicines)
}

// Filter values for listing visits by dispensation status.
const (
	FilterPending   = "pending"
	FilterDispensed = "dispensed"
	FilterAll       = "all"
)

type ListParams struct {
	Status    string
	PatientID string
}
