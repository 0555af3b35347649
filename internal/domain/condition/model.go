package condition

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeAllergy        Type = "allergy"
	TypeChronicDisease Type = "chronic-disease"
	TypeMedicalHistory Type = "medical-history"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAllergy, TypeChronicDisease, TypeMedicalHistory:
		return true
	}
	return false
}

var ErrNotFound = errors.New("condition not found")

// Condition maps to the health_condition table: a pre-existing allergy,
// chronic disease or history record kept for a student.
type Condition struct {
	ID        uuid.UUID `db:"id" json:"id"`
	StudentID uuid.UUID `db:"student_id" json:"student_id"`
	Type      Type      `db:"condition_type" json:"type"`
	Name      string    `db:"name" json:"name"`
	Severity  *string   `db:"severity" json:"severity,omitempty"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
