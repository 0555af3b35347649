package staff

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	// ListActive returns active members holding any of roles, ordered by name.
	ListActive(ctx context.Context, roles ...string) ([]*Member, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
