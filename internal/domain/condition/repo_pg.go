package condition

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schoolhealth/schoolhealth/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const cols = `id, student_id, condition_type, name, severity, active, created_at`

func scan(row pgx.Row) (*Condition, error) {
	var c Condition
	if err := row.Scan(&c.ID, &c.StudentID, &c.Type, &c.Name, &c.Severity, &c.Active, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) Create(ctx context.Context, c *Condition) error {
	if !c.Type.Valid() {
		return fmt.Errorf("invalid condition type %q", c.Type)
	}
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO health_condition (id, student_id, condition_type, name, severity, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		c.ID, c.StudentID, c.Type, c.Name, c.Severity, c.Active).Scan(&c.CreatedAt)
}

func (r *repoPG) GetCondition(ctx context.Context, id uuid.UUID) (*Condition, error) {
	return scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM health_condition WHERE id = $1`, id))
}

func (r *repoPG) ListByStudent(ctx context.Context, studentID uuid.UUID) ([]*Condition, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cols+` FROM health_condition WHERE student_id = $1 ORDER BY created_at`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Condition
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}
