package condition

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, c *Condition) error
	GetCondition(ctx context.Context, id uuid.UUID) (*Condition, error)
	ListByStudent(ctx context.Context, studentID uuid.UUID) ([]*Condition, error)
}
