package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/schoolhealth/schoolhealth/internal/domain/condition"
)

// compatibility lists the condition types each kind may link to and whether
// a link is mandatory. A nil slice means any type is accepted.
var compatibility = map[Kind]struct {
	types    []condition.Type
	required bool
}{
	KindAllergicReaction: {types: []condition.Type{condition.TypeAllergy}, required: true},
	KindChronicEpisode:   {types: []condition.Type{condition.TypeChronicDisease}, required: true},
	KindInjury:           {types: []condition.Type{condition.TypeMedicalHistory}},
	KindIllness:          {types: []condition.Type{condition.TypeMedicalHistory}},
	KindFall:             {types: []condition.Type{condition.TypeMedicalHistory}},
	KindOther:            {},
}

// CheckCompatibility validates the linked condition for an incident of kind
// raised for studentID. cond is nil when no condition is linked.
func CheckCompatibility(kind Kind, cond *condition.Condition, studentID uuid.UUID) error {
	rule, ok := compatibility[kind]
	if !ok {
		return &CompatibilityError{Kind: kind, Reason: "unknown incident kind"}
	}
	if cond == nil {
		if rule.required {
			return &CompatibilityError{Kind: kind, Reason: fmt.Sprintf("a linked %s condition is required", rule.types[0])}
		}
		return nil
	}

	id := cond.ID
	if cond.StudentID != studentID {
		return &CompatibilityError{Kind: kind, ConditionID: &id, Reason: "condition belongs to a different student"}
	}
	if !cond.Active {
		return &CompatibilityError{Kind: kind, ConditionID: &id, Reason: "condition is no longer active"}
	}
	if rule.types == nil {
		return nil
	}
	for _, t := range rule.types {
		if cond.Type == t {
			return nil
		}
	}
	return &CompatibilityError{
		Kind:        kind,
		ConditionID: &id,
		Reason:      fmt.Sprintf("%s condition cannot be linked, expected %s", cond.Type, rule.types[0]),
	}
}

// Classifier builds the initial record for a reported incident.
type Classifier struct {
	conditions ConditionRegistry
}

func NewClassifier(conditions ConditionRegistry) *Classifier {
	return &Classifier{conditions: conditions}
}

// Classify validates req and returns the record to persist. Emergencies are
// owned by the reporter from the start; everything else waits in the queue.
func (c *Classifier) Classify(ctx context.Context, req CreateRequest, reporter uuid.UUID, now time.Time) (Incident, Transition, error) {
	if req.StudentID == uuid.Nil {
		return Incident{}, Transition{}, fmt.Errorf("%w: student_id is required", ErrInvalid)
	}
	if !req.Kind.Valid() {
		return Incident{}, Transition{}, fmt.Errorf("%w: kind %q is not one of injury, illness, allergic-reaction, fall, chronic-episode, other", ErrInvalid, req.Kind)
	}
	if reporter == uuid.Nil {
		return Incident{}, Transition{}, fmt.Errorf("%w: reporter is required", ErrInvalid)
	}
	if req.OccurredAt.After(now.Add(time.Minute)) {
		return Incident{}, Transition{}, fmt.Errorf("%w: occurred_at is in the future", ErrInvalid)
	}

	var cond *condition.Condition
	if req.LinkedConditionID != nil {
		found, err := c.conditions.GetCondition(ctx, *req.LinkedConditionID)
		switch {
		case errors.Is(err, condition.ErrNotFound):
			return Incident{}, Transition{}, &CompatibilityError{Kind: req.Kind, ConditionID: req.LinkedConditionID, Reason: "condition does not exist"}
		case err != nil:
			return Incident{}, Transition{}, fmt.Errorf("load condition %s: %w", req.LinkedConditionID, err)
		}
		cond = found
	}
	if err := CheckCompatibility(req.Kind, cond, req.StudentID); err != nil {
		return Incident{}, Transition{}, err
	}

	inc := Incident{
		StudentID:         req.StudentID,
		Kind:              req.Kind,
		IsEmergency:       req.IsEmergency,
		ReportedBy:        reporter,
		LinkedConditionID: req.LinkedConditionID,
		Description:       req.Description,
		Location:          req.Location,
		OccurredAt:        req.OccurredAt,
	}
	if inc.OccurredAt.IsZero() {
		inc.OccurredAt = now
	}
	if req.IsEmergency {
		owner := reporter
		at := now
		inc.Status = StatusInProgress
		inc.OwnerID = &owner
		inc.AssignmentMethod = MethodSelfAssigned
		inc.AssignedAt = &at
	} else {
		inc.Status = StatusPending
		inc.AssignmentMethod = MethodUnassigned
	}
	return inc, createTransition(&inc, reporter), nil
}
