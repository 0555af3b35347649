package incident

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindInjury           Kind = "injury"
	KindIllness          Kind = "illness"
	KindAllergicReaction Kind = "allergic-reaction"
	KindFall             Kind = "fall"
	KindChronicEpisode   Kind = "chronic-episode"
	KindOther            Kind = "other"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInjury, KindIllness, KindAllergicReaction, KindFall, KindChronicEpisode, KindOther:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type AssignmentMethod string

const (
	MethodUnassigned         AssignmentMethod = "unassigned"
	MethodSelfAssigned       AssignmentMethod = "self-assigned"
	MethodSupervisorAssigned AssignmentMethod = "supervisor-assigned"
)

// Incident maps to the incident table.
type Incident struct {
	ID                uuid.UUID        `db:"id" json:"id"`
	Code              string           `db:"code" json:"code"`
	StudentID         uuid.UUID        `db:"student_id" json:"student_id"`
	Kind              Kind             `db:"kind" json:"kind"`
	IsEmergency       bool             `db:"is_emergency" json:"is_emergency"`
	Status            Status           `db:"status" json:"status"`
	OwnerID           *uuid.UUID       `db:"owner_id" json:"owner_id,omitempty"`
	AssignmentMethod  AssignmentMethod `db:"assignment_method" json:"assignment_method"`
	ReportedBy        uuid.UUID        `db:"reported_by" json:"reported_by"`
	AssignedBy        *uuid.UUID       `db:"assigned_by" json:"assigned_by,omitempty"`
	LinkedConditionID *uuid.UUID       `db:"linked_condition_id" json:"linked_condition_id,omitempty"`
	Description       *string          `db:"description" json:"description,omitempty"`
	Location          *string          `db:"location" json:"location,omitempty"`
	ActionTaken       *string          `db:"action_taken" json:"action_taken,omitempty"`
	Outcome           *string          `db:"outcome" json:"outcome,omitempty"`
	CancelReason      *string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	OccurredAt        time.Time        `db:"occurred_at" json:"occurred_at"`
	AssignedAt        *time.Time       `db:"assigned_at" json:"assigned_at,omitempty"`
	CompletedAt       *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt       *time.Time       `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Version           int              `db:"version" json:"version"`
	DeletedAt         *time.Time       `db:"deleted_at" json:"-"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// OwnedBy reports whether staffID is the current owner.
func (i *Incident) OwnedBy(staffID uuid.UUID) bool {
	return i.OwnerID != nil && *i.OwnerID == staffID
}

// Validate checks the ownership and timestamp invariants of the record.
func (i *Incident) Validate() error {
	owned := i.OwnerID != nil
	wantOwner := i.Status == StatusInProgress || i.Status == StatusCompleted
	if owned != wantOwner {
		return fmt.Errorf("incident %s: owner present=%t with status %s", i.Code, owned, i.Status)
	}
	if i.Status == StatusCompleted {
		if i.AssignedAt == nil || i.CompletedAt == nil {
			return fmt.Errorf("incident %s: completed without assigned/completed timestamps", i.Code)
		}
		if i.CompletedAt.Before(*i.AssignedAt) {
			return fmt.Errorf("incident %s: completed before it was assigned", i.Code)
		}
	}
	if i.AssignmentMethod == MethodUnassigned && i.Status != StatusPending && i.Status != StatusCancelled {
		return fmt.Errorf("incident %s: unassigned with status %s", i.Code, i.Status)
	}
	if i.AssignmentMethod != MethodUnassigned && i.AssignedAt == nil {
		return fmt.Errorf("incident %s: %s without assigned_at", i.Code, i.AssignmentMethod)
	}
	return nil
}

// Event maps to the incident_event table, one row per committed transition.
type Event struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	IncidentID uuid.UUID      `db:"incident_id" json:"incident_id"`
	Transition TransitionKind `db:"transition" json:"transition"`
	FromStatus *Status        `db:"from_status" json:"from_status,omitempty"`
	ToStatus   Status         `db:"to_status" json:"to_status"`
	ActorID    uuid.UUID      `db:"actor_id" json:"actor_id"`
	OwnerID    *uuid.UUID     `db:"owner_id" json:"owner_id,omitempty"`
	Note       *string        `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// CreateRequest carries what the reporting staff member knows about the incident.
type CreateRequest struct {
	StudentID         uuid.UUID  `json:"student_id"`
	Kind              Kind       `json:"kind"`
	IsEmergency       bool       `json:"is_emergency"`
	LinkedConditionID *uuid.UUID `json:"linked_condition_id,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
	Description       *string    `json:"description,omitempty"`
	Location          *string    `json:"location,omitempty"`
}
