package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/schoolhealth/schoolhealth/internal/platform/notification"
)

type TransitionKind string

const (
	TransitionCreate           TransitionKind = "create"
	TransitionSelfAssign       TransitionKind = "self-assign"
	TransitionSupervisorAssign TransitionKind = "supervisor-assign"
	TransitionComplete         TransitionKind = "complete"
	TransitionEscalate         TransitionKind = "escalate"
	TransitionDowngrade        TransitionKind = "downgrade"
	TransitionCancel           TransitionKind = "cancel"
	TransitionStalePending     TransitionKind = "stale-pending"
)

// Audience names a group of recipients resolved at emit time.
type Audience string

const (
	AudienceGuardian    Audience = "guardian"
	AudiencePeerStaff   Audience = "peer-staff"
	AudienceAssignee    Audience = "assignee"
	AudienceSupervisors Audience = "supervisors"
)

// Intent is one notification the engine wants sent after commit.
type Intent struct {
	Audience    Audience
	Template    string
	Urgent      bool
	RequiresAck bool
	// Exclude lists staff who must not receive a peer broadcast.
	Exclude []uuid.UUID
	// Target is set for AudienceAssignee.
	Target *uuid.UUID
}

// Transition describes a committed state change. A zero Kind means the
// operation changed nothing.
type Transition struct {
	Kind    TransitionKind
	Actor   uuid.UUID
	From    Status
	Note    string
	Intents []Intent
}

func (t Transition) Changed() bool { return t.Kind != "" }

func createTransition(inc *Incident, reporter uuid.UUID) Transition {
	tr := Transition{Kind: TransitionCreate, Actor: reporter}
	if inc.IsEmergency {
		tr.Intents = []Intent{
			{Audience: AudienceGuardian, Template: notification.TemplateGuardianEmergency, Urgent: true, RequiresAck: true},
			{Audience: AudiencePeerStaff, Template: notification.TemplateStaffEmergency, Urgent: true, Exclude: []uuid.UUID{reporter}},
		}
		return tr
	}
	tr.Intents = []Intent{{Audience: AudienceGuardian, Template: notification.TemplateGuardianNotice}}
	return tr
}

func timePtr(t time.Time) *time.Time { return &t }

func idPtr(id uuid.UUID) *uuid.UUID { return &id }

// SelfAssign claims a pending, unowned incident for staffID.
func SelfAssign(inc Incident, staffID uuid.UUID, now time.Time) (Incident, Transition, error) {
	if inc.Status.Terminal() {
		return inc, Transition{}, terminalError(&inc)
	}
	if inc.OwnerID != nil || inc.Status != StatusPending {
		since := inc.UpdatedAt
		if inc.AssignedAt != nil {
			since = *inc.AssignedAt
		}
		var owner uuid.UUID
		if inc.OwnerID != nil {
			owner = *inc.OwnerID
		}
		return inc, Transition{}, &AlreadyOwnedError{Code: inc.Code, OwnerID: owner, Since: since}
	}

	from := inc.Status
	inc.OwnerID = idPtr(staffID)
	inc.AssignmentMethod = MethodSelfAssigned
	inc.AssignedBy = nil
	inc.Status = StatusInProgress
	inc.AssignedAt = timePtr(now)

	return inc, Transition{
		Kind:  TransitionSelfAssign,
		Actor: staffID,
		From:  from,
		Intents: []Intent{
			{Audience: AudiencePeerStaff, Template: notification.TemplateStaffTaken, Exclude: []uuid.UUID{staffID}},
		},
	}, nil
}

// SupervisorAssign hands the incident to staffID, replacing any current
// owner. The caller has already verified supervisor privilege.
func SupervisorAssign(inc Incident, staffID, supervisorID uuid.UUID, now time.Time) (Incident, Transition, error) {
	if inc.Status.Terminal() {
		return inc, Transition{}, terminalError(&inc)
	}

	from := inc.Status
	var note string
	if inc.OwnerID != nil && *inc.OwnerID != staffID {
		note = fmt.Sprintf("reassigned from %s", inc.OwnerID)
	}
	inc.OwnerID = idPtr(staffID)
	inc.AssignmentMethod = MethodSupervisorAssigned
	inc.AssignedBy = idPtr(supervisorID)
	inc.Status = StatusInProgress
	inc.AssignedAt = timePtr(now)

	intents := []Intent{
		{Audience: AudiencePeerStaff, Template: notification.TemplateStaffTaken, Exclude: []uuid.UUID{supervisorID, staffID}},
	}
	if staffID != supervisorID {
		intents = append(intents, Intent{Audience: AudienceAssignee, Template: notification.TemplateStaffAssignedToYou, Target: idPtr(staffID)})
	}
	return inc, Transition{Kind: TransitionSupervisorAssign, Actor: supervisorID, From: from, Note: note, Intents: intents}, nil
}

// Complete closes an incident. Only the current owner may complete it; that
// check comes before any status check.
func Complete(inc Incident, callerID uuid.UUID, actionTaken, outcome string, now time.Time) (Incident, Transition, error) {
	if !inc.OwnedBy(callerID) {
		return inc, Transition{}, &NotOwnerError{Code: inc.Code, Caller: callerID, OwnerID: inc.OwnerID}
	}
	if inc.Status.Terminal() {
		return inc, Transition{}, terminalError(&inc)
	}
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return inc, Transition{}, fmt.Errorf("%w: outcome is required to complete an incident", ErrInvalid)
	}

	completed := now
	if inc.AssignedAt != nil && completed.Before(*inc.AssignedAt) {
		completed = *inc.AssignedAt
	}
	from := inc.Status
	inc.Status = StatusCompleted
	inc.CompletedAt = timePtr(completed)
	inc.Outcome = &outcome
	if action := strings.TrimSpace(actionTaken); action != "" {
		inc.ActionTaken = &action
	}

	return inc, Transition{
		Kind:  TransitionComplete,
		Actor: callerID,
		From:  from,
		Note:  outcome,
		Intents: []Intent{
			{Audience: AudiencePeerStaff, Template: notification.TemplateStaffCompleted, Exclude: []uuid.UUID{callerID}},
		},
	}, nil
}

// ReviseEmergencyFlag changes the emergency flag. Escalating an unowned
// pending incident makes the reviser its owner; downgrading never removes
// the current owner. Setting the flag to its current value changes nothing.
func ReviseEmergencyFlag(inc Incident, emergency bool, reviserID uuid.UUID, now time.Time) (Incident, Transition, error) {
	if inc.Status.Terminal() {
		return inc, Transition{}, terminalError(&inc)
	}
	if inc.IsEmergency == emergency {
		return inc, Transition{}, nil
	}

	from := inc.Status
	inc.IsEmergency = emergency
	if !emergency {
		return inc, Transition{
			Kind:    TransitionDowngrade,
			Actor:   reviserID,
			From:    from,
			Intents: []Intent{{Audience: AudienceGuardian, Template: notification.TemplateGuardianDowngraded}},
		}, nil
	}

	if inc.Status == StatusPending && inc.OwnerID == nil {
		inc.OwnerID = idPtr(reviserID)
		inc.AssignmentMethod = MethodSelfAssigned
		inc.AssignedBy = nil
		inc.Status = StatusInProgress
		inc.AssignedAt = timePtr(now)
	}
	return inc, Transition{
		Kind:  TransitionEscalate,
		Actor: reviserID,
		From:  from,
		Intents: []Intent{
			{Audience: AudienceGuardian, Template: notification.TemplateGuardianEscalated, Urgent: true, RequiresAck: true},
			{Audience: AudiencePeerStaff, Template: notification.TemplateStaffEmergency, Urgent: true, Exclude: []uuid.UUID{reviserID}},
		},
	}, nil
}

// Cancel withdraws an incident that no longer needs handling. The owner is
// cleared; the assignment method is kept as a record of how it was handled.
func Cancel(inc Incident, actorID uuid.UUID, reason string, now time.Time) (Incident, Transition, error) {
	if inc.Status.Terminal() {
		return inc, Transition{}, terminalError(&inc)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return inc, Transition{}, fmt.Errorf("%w: a cancellation reason is required", ErrInvalid)
	}

	from := inc.Status
	inc.Status = StatusCancelled
	inc.OwnerID = nil
	inc.CancelledAt = timePtr(now)
	inc.CancelReason = &reason

	return inc, Transition{
		Kind:  TransitionCancel,
		Actor: actorID,
		From:  from,
		Note:  reason,
		Intents: []Intent{
			{Audience: AudiencePeerStaff, Template: notification.TemplateStaffCancelled, Exclude: []uuid.UUID{actorID}},
		},
	}, nil
}

// stalePending alerts supervisors about an incident nobody has claimed.
func stalePending(inc *Incident, now time.Time) Transition {
	return Transition{
		Kind: TransitionStalePending,
		From: inc.Status,
		Note: fmt.Sprintf("pending for %s", now.Sub(inc.OccurredAt).Round(time.Minute)),
		Intents: []Intent{
			{Audience: AudienceSupervisors, Template: notification.TemplateSupervisorStale, Urgent: inc.IsEmergency},
		},
	}
}
