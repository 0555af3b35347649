package student

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schoolhealth/schoolhealth/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

func (r *repoPG) Create(ctx context.Context, s *Student) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx,
		`INSERT INTO student (id, name, grade) VALUES ($1, $2, $3) RETURNING created_at`,
		s.ID, s.Name, s.Grade).Scan(&s.CreatedAt)
}

func (r *repoPG) GetStudent(ctx context.Context, id uuid.UUID) (*Student, error) {
	var s Student
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, grade, created_at FROM student WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Grade, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) AddGuardian(ctx context.Context, g *Guardian) error {
	g.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO guardian (id, student_id, name, relationship, email, phone, is_primary)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		g.ID, g.StudentID, g.Name, g.Relationship, g.Email, g.Phone, g.Primary).Scan(&g.CreatedAt)
}

func (r *repoPG) Guardians(ctx context.Context, studentID uuid.UUID) ([]*Guardian, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, student_id, name, relationship, email, phone, is_primary, created_at
		FROM guardian WHERE student_id = $1
		ORDER BY is_primary DESC, created_at`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Guardian
	for rows.Next() {
		var g Guardian
		if err := rows.Scan(&g.ID, &g.StudentID, &g.Name, &g.Relationship, &g.Email, &g.Phone, &g.Primary, &g.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &g)
	}
	return items, rows.Err()
}
