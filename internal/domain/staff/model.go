package staff

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/schoolhealth/schoolhealth/internal/platform/notification"
)

var ErrNotFound = errors.New("staff member not found")

// Member maps to the staff_member table.
type Member struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Role      string    `db:"role" json:"role"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Recipient returns the member's notification address book entry.
func (m *Member) Recipient() notification.Recipient {
	r := notification.Recipient{ID: m.ID, Kind: notification.RecipientStaff, Name: m.Name}
	if m.Email != nil {
		r.Email = *m.Email
	}
	if m.Phone != nil {
		r.Phone = *m.Phone
	}
	return r
}
