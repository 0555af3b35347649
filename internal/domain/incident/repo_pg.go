package incident

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schoolhealth/schoolhealth/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const incidentCols = `id, code, student_id, kind, is_emergency, status, owner_id, assignment_method,
	reported_by, assigned_by, linked_condition_id, description, location, action_taken, outcome,
	cancel_reason, occurred_at, assigned_at, completed_at, cancelled_at, version, deleted_at,
	created_at, updated_at`

func scanIncident(row pgx.Row) (*Incident, error) {
	var i Incident
	err := row.Scan(&i.ID, &i.Code, &i.StudentID, &i.Kind, &i.IsEmergency, &i.Status, &i.OwnerID, &i.AssignmentMethod,
		&i.ReportedBy, &i.AssignedBy, &i.LinkedConditionID, &i.Description, &i.Location, &i.ActionTaken, &i.Outcome,
		&i.CancelReason, &i.OccurredAt, &i.AssignedAt, &i.CompletedAt, &i.CancelledAt, &i.Version, &i.DeletedAt,
		&i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r *repoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Incident, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Incident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, i *Incident) error {
	i.ID = uuid.New()
	i.Version = 1
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO incident (id, code, student_id, kind, is_emergency, status, owner_id, assignment_method,
			reported_by, assigned_by, linked_condition_id, description, location, occurred_at, assigned_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		i.ID, i.Code, i.StudentID, i.Kind, i.IsEmergency, i.Status, i.OwnerID, i.AssignmentMethod,
		i.ReportedBy, i.AssignedBy, i.LinkedConditionID, i.Description, i.Location, i.OccurredAt, i.AssignedAt, i.Version,
	).Scan(&i.CreatedAt, &i.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Incident, error) {
	return scanIncident(r.conn(ctx).QueryRow(ctx,
		`SELECT `+incidentCols+` FROM incident WHERE id = $1 AND deleted_at IS NULL`, id))
}

// TryConditionalUpdate is the ownership guard: one UPDATE whose WHERE clause
// carries the expected status, owner and version. Zero affected rows means
// another writer got there first.
func (r *repoPG) TryConditionalUpdate(ctx context.Context, exp Expectation, next *Incident) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE incident SET
			is_emergency = $5, status = $6, owner_id = $7, assignment_method = $8, assigned_by = $9,
			action_taken = $10, outcome = $11, cancel_reason = $12,
			assigned_at = $13, completed_at = $14, cancelled_at = $15,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND owner_id IS NOT DISTINCT FROM $3 AND version = $4
			AND deleted_at IS NULL`,
		exp.ID, exp.Status, exp.OwnerID, exp.Version,
		next.IsEmergency, next.Status, next.OwnerID, next.AssignmentMethod, next.AssignedBy,
		next.ActionTaken, next.Outcome, next.CancelReason,
		next.AssignedAt, next.CompletedAt, next.CancelledAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	next.Version = exp.Version + 1
	next.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *repoPG) AppendEvent(ctx context.Context, ev *Event) error {
	ev.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO incident_event (id, incident_id, transition, from_status, to_status, actor_id, owner_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		ev.ID, ev.IncidentID, ev.Transition, ev.FromStatus, ev.ToStatus, ev.ActorID, ev.OwnerID, ev.Note,
	).Scan(&ev.CreatedAt)
}

func (r *repoPG) History(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, incident_id, transition, from_status, to_status, actor_id, owner_id, note, created_at
		FROM incident_event WHERE incident_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Transition, &e.FromStatus, &e.ToStatus,
			&e.ActorID, &e.OwnerID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *repoPG) ListPending(ctx context.Context) ([]*Incident, error) {
	return r.list(ctx, `SELECT `+incidentCols+` FROM incident
		WHERE status = 'pending' AND deleted_at IS NULL
		ORDER BY is_emergency DESC, occurred_at`)
}

func (r *repoPG) ListOpenByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Incident, error) {
	return r.list(ctx, `SELECT `+incidentCols+` FROM incident
		WHERE owner_id = $1 AND status = 'in-progress' AND deleted_at IS NULL
		ORDER BY assigned_at`, ownerID)
}

func (r *repoPG) ListStalePending(ctx context.Context, cutoff time.Time) ([]*Incident, error) {
	return r.list(ctx, `SELECT `+incidentCols+` FROM incident i
		WHERE status = 'pending' AND deleted_at IS NULL AND occurred_at < $1
			AND NOT EXISTS (
				SELECT 1 FROM incident_event e
				WHERE e.incident_id = i.id AND e.transition = 'stale-pending')
		ORDER BY occurred_at`, cutoff)
}

func (r *repoPG) FlagStalePending(ctx context.Context, ev *Event) (bool, error) {
	ev.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		WITH target AS (
			SELECT id FROM incident
			WHERE id = $2 AND status = 'pending' AND deleted_at IS NULL
			FOR UPDATE
		)
		INSERT INTO incident_event (id, incident_id, transition, from_status, to_status, actor_id, owner_id, note)
		SELECT $1, t.id, $3, $4, $5, $6, $7, $8 FROM target t
		WHERE NOT EXISTS (
			SELECT 1 FROM incident_event e
			WHERE e.incident_id = t.id AND e.transition = 'stale-pending')
		RETURNING created_at`,
		ev.ID, ev.IncidentID, ev.Transition, ev.FromStatus, ev.ToStatus, ev.ActorID, ev.OwnerID, ev.Note,
	).Scan(&ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repoPG) HasUsageHistory(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incident_usage WHERE incident_id = $1)`, id).Scan(&exists)
	return exists, err
}

func (r *repoPG) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE incident SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// pgCodeGenerator allocates the daily sequence from incident_code_counter.
// Run inside the creating transaction so a rolled back insert gives its
// number back.
type pgCodeGenerator struct {
	pool   *pgxpool.Pool
	prefix string
}

func NewPGCodeGenerator(pool *pgxpool.Pool, prefix string) CodeGenerator {
	return &pgCodeGenerator{pool: pool, prefix: prefix}
}

func (g *pgCodeGenerator) Next(ctx context.Context, day time.Time) (string, error) {
	var seq int
	err := db.Conn(ctx, g.pool).QueryRow(ctx, `
		INSERT INTO incident_code_counter (day, seq) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET seq = incident_code_counter.seq + 1
		RETURNING seq`, time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)).Scan(&seq)
	if err != nil {
		return "", err
	}
	return FormatCode(g.prefix, day, seq), nil
}
