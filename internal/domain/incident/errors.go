package incident

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/schoolhealth/schoolhealth/internal/platform/notification"
)

var (
	ErrNotFound     = errors.New("incident not found")
	ErrInvalid      = errors.New("invalid incident request")
	ErrConflict     = errors.New("incident was modified concurrently")
	ErrUsageHistory = errors.New("incident has medication or supply usage recorded")
)

// CompatibilityError rejects a kind / linked condition combination.
type CompatibilityError struct {
	Kind        Kind
	ConditionID *uuid.UUID
	Reason      string
}

func (e *CompatibilityError) Error() string {
	if e.ConditionID == nil {
		return fmt.Sprintf("%s incident: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s incident with condition %s: %s", e.Kind, e.ConditionID, e.Reason)
}

// AlreadyOwnedError is returned to the loser of a claim.
type AlreadyOwnedError struct {
	Code    string
	OwnerID uuid.UUID
	Since   time.Time
}

func (e *AlreadyOwnedError) Error() string {
	return fmt.Sprintf("incident %s already owned by %s since %s", e.Code, e.OwnerID, e.Since.Format(time.RFC3339))
}

type NotOwnerError struct {
	Code    string
	Caller  uuid.UUID
	OwnerID *uuid.UUID
}

func (e *NotOwnerError) Error() string {
	if e.OwnerID == nil {
		return fmt.Sprintf("incident %s has no owner; %s cannot complete it", e.Code, e.Caller)
	}
	return fmt.Sprintf("incident %s is owned by %s, not %s", e.Code, e.OwnerID, e.Caller)
}

type PermissionError struct {
	ActorID uuid.UUID
	Action  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("staff member %s is not allowed to %s", e.ActorID, e.Action)
}

// AlreadyCompletedError rejects any change to a completed or cancelled incident.
type AlreadyCompletedError struct {
	Code   string
	Status Status
	At     *time.Time
}

func (e *AlreadyCompletedError) Error() string {
	if e.At == nil {
		return fmt.Sprintf("incident %s is already %s", e.Code, e.Status)
	}
	return fmt.Sprintf("incident %s was %s at %s", e.Code, e.Status, e.At.Format(time.RFC3339))
}

// NotificationDeliveryError describes one recipient that could not be
// reached. It is reported, never returned from a state transition.
type NotificationDeliveryError struct {
	IncidentID  uuid.UUID
	Transition  TransitionKind
	RecipientID uuid.UUID
	Channel     notification.Channel
	Err         error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("notify %s about %s on incident %s: %v", e.RecipientID, e.Transition, e.IncidentID, e.Err)
}

func (e *NotificationDeliveryError) Unwrap() error { return e.Err }

func terminalError(inc *Incident) *AlreadyCompletedError {
	at := inc.CompletedAt
	if inc.Status == StatusCancelled {
		at = inc.CancelledAt
	}
	return &AlreadyCompletedError{Code: inc.Code, Status: inc.Status, At: at}
}
