package student

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/schoolhealth/schoolhealth/internal/platform/notification"
)

var ErrNotFound = errors.New("student not found")

// Student maps to the student table.
type Student struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Grade     *string   `db:"grade" json:"grade,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Guardian maps to the guardian table.
type Guardian struct {
	ID           uuid.UUID `db:"id" json:"id"`
	StudentID    uuid.UUID `db:"student_id" json:"student_id"`
	Name         string    `db:"name" json:"name"`
	Relationship *string   `db:"relationship" json:"relationship,omitempty"`
	Email        *string   `db:"email" json:"email,omitempty"`
	Phone        *string   `db:"phone" json:"phone,omitempty"`
	Primary      bool      `db:"is_primary" json:"is_primary"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

func (g *Guardian) Recipient() notification.Recipient {
	r := notification.Recipient{ID: g.ID, Kind: notification.RecipientGuardian, Name: g.Name}
	if g.Email != nil {
		r.Email = *g.Email
	}
	if g.Phone != nil {
		r.Phone = *g.Phone
	}
	return r
}

// PrimaryGuardian picks the guardian flagged primary, falling back to the
// first one listed. It returns nil for an empty list.
func PrimaryGuardian(gs []*Guardian) *Guardian {
	for _, g := range gs {
		if g.Primary {
			return g
		}
	}
	if len(gs) > 0 {
		return gs[0]
	}
	return nil
}
