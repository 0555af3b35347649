package incident

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/schoolhealth/schoolhealth/internal/domain/condition"
	"github.com/schoolhealth/schoolhealth/internal/domain/staff"
	"github.com/schoolhealth/schoolhealth/internal/domain/student"
	"github.com/schoolhealth/schoolhealth/internal/platform/auth"
	"github.com/schoolhealth/schoolhealth/internal/platform/notification"
)

// Expectation is the state a conditional update must still find in storage.
type Expectation struct {
	ID      uuid.UUID
	Status  Status
	OwnerID *uuid.UUID
	Version int
}

func expectationOf(inc *Incident) Expectation {
	return Expectation{ID: inc.ID, Status: inc.Status, OwnerID: inc.OwnerID, Version: inc.Version}
}

type Repository interface {
	// Create inserts a new record and assigns its ID.
	Create(ctx context.Context, inc *Incident) error
	// GetByID loads a record that has not been deleted.
	GetByID(ctx context.Context, id uuid.UUID) (*Incident, error)
	// TryConditionalUpdate writes next only if the stored row still matches
	// exp. It reports false, without error, when the row has moved on.
	// On success next.Version is advanced.
	TryConditionalUpdate(ctx context.Context, exp Expectation, next *Incident) (bool, error)
	AppendEvent(ctx context.Context, ev *Event) error
	History(ctx context.Context, id uuid.UUID) ([]*Event, error)
	// ListPending returns the unclaimed queue, oldest first.
	ListPending(ctx context.Context) ([]*Incident, error)
	// ListOpenByOwner returns the in-progress incidents owned by ownerID.
	ListOpenByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Incident, error)
	// ListStalePending returns pending incidents that occurred before cutoff
	// and have not already been flagged to supervisors.
	ListStalePending(ctx context.Context, cutoff time.Time) ([]*Incident, error)
	// FlagStalePending appends ev only while the incident is still pending
	// and unflagged. It reports false when the incident was claimed, closed
	// or flagged in the meantime.
	FlagStalePending(ctx context.Context, ev *Event) (bool, error)
	HasUsageHistory(ctx context.Context, id uuid.UUID) (bool, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type ConditionRegistry interface {
	GetCondition(ctx context.Context, id uuid.UUID) (*condition.Condition, error)
}

type StaffDirectory interface {
	GetMember(ctx context.Context, id uuid.UUID) (*staff.Member, error)
	ListActive(ctx context.Context, roles ...string) ([]*staff.Member, error)
}

type GuardianDirectory interface {
	GetStudent(ctx context.Context, id uuid.UUID) (*student.Student, error)
	Guardians(ctx context.Context, studentID uuid.UUID) ([]*student.Guardian, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, r notification.Recipient, p notification.Payload, requiresAck bool) notification.DeliveryResult
}

type Authorizer interface {
	Can(ctx context.Context, actor auth.Actor, obj, act string) (bool, error)
	HasSupervisorPrivilege(ctx context.Context, actor auth.Actor) (bool, error)
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Observer receives delivery failures from the post-commit fan-out.
type Observer interface {
	DeliveryFailed(ctx context.Context, err *NotificationDeliveryError)
}
