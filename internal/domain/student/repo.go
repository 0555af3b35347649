package student

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, s *Student) error
	GetStudent(ctx context.Context, id uuid.UUID) (*Student, error)
	AddGuardian(ctx context.Context, g *Guardian) error
	// Guardians lists a student's guardians, primary first.
	Guardians(ctx context.Context, studentID uuid.UUID) ([]*Guardian, error)
}
