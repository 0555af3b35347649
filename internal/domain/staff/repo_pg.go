package staff

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

const cols = `id, name, email, phone, role, active, created_at, updated_at`

func scan(row pgx.Row) (*Member, error) {
	var m Member
	err := row.Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.Role, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &m, err
}

func (r *repoPG) Create(ctx context.Context, m *Member) error {
	m.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO staff_member (id, name, email, phone, role, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		m.ID, m.Name, m.Email, m.Phone, m.Role, m.Active).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (r *repoPG) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM staff_member WHERE id = $1`, id))
}

func (r *repoPG) ListActive(ctx context.Context, roles ...string) ([]*Member, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM staff_member WHERE active AND role = ANY($1) ORDER BY name`, roles)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Member
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE staff_member SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
