package incident

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/schoolhealth/schoolhealth/internal/domain/condition"
)

func TestCheckCompatibility(t *testing.T) {
	studentID := uuid.New()
	cond := func(ty condition.Type) *condition.Condition {
		return &condition.Condition{ID: uuid.New(), StudentID: studentID, Type: ty, Active: true}
	}

	tests := []struct {
		kind Kind
		cond *condition.Condition
		ok   bool
	}{
		{KindAllergicReaction, cond(condition.TypeAllergy), true},
		{KindAllergicReaction, cond(condition.TypeChronicDisease), false},
		{KindAllergicReaction, cond(condition.TypeMedicalHistory), false},
		{KindAllergicReaction, nil, false},
		{KindChronicEpisode, cond(condition.TypeChronicDisease), true},
		{KindChronicEpisode, cond(condition.TypeAllergy), false},
		{KindChronicEpisode, nil, false},
		{KindInjury, cond(condition.TypeMedicalHistory), true},
		{KindInjury, cond(condition.TypeAllergy), false},
		{KindInjury, nil, true},
		{KindIllness, cond(condition.TypeChronicDisease), false},
		{KindIllness, nil, true},
		{KindFall, cond(condition.TypeMedicalHistory), true},
		{KindFall, cond(condition.TypeAllergy), false},
		{KindOther, cond(condition.TypeAllergy), true},
		{KindOther, cond(condition.TypeChronicDisease), true},
		{KindOther, nil, true},
	}
	for _, tt := range tests {
		name := string(tt.kind) + "/none"
		if tt.cond != nil {
			name = string(tt.kind) + "/" + string(tt.cond.Type)
		}
		t.Run(name, func(t *testing.T) {
			err := CheckCompatibility(tt.kind, tt.cond, studentID)
			if tt.ok && err != nil {
				t.Errorf("expected compatible, got %v", err)
			}
			var ce *CompatibilityError
			if !tt.ok && !errors.As(err, &ce) {
				t.Errorf("expected CompatibilityError, got %v", err)
			}
		})
	}
}

func TestCheckCompatibility_OtherStudent(t *testing.T) {
	c := &condition.Condition{ID: uuid.New(), StudentID: uuid.New(), Type: condition.TypeAllergy, Active: true}
	err := CheckCompatibility(KindOther, c, uuid.New())
	var ce *CompatibilityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompatibilityError, got %v", err)
	}
	if ce.ConditionID == nil || *ce.ConditionID != c.ID {
		t.Error("error should name the condition")
	}
}

func TestCheckCompatibility_Inactive(t *testing.T) {
	studentID := uuid.New()
	c := &condition.Condition{ID: uuid.New(), StudentID: studentID, Type: condition.TypeAllergy}
	var ce *CompatibilityError
	if err := CheckCompatibility(KindAllergicReaction, c, studentID); !errors.As(err, &ce) {
		t.Fatalf("expected CompatibilityError, got %v", err)
	}
}

func TestClassify_Emergency(t *testing.T) {
	reporter := uuid.New()
	c := NewClassifier(memConditions{})
	inc, tr, err := c.Classify(context.Background(), CreateRequest{StudentID: uuid.New(), Kind: KindFall, IsEmergency: true}, reporter, t0)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Status != StatusInProgress || !inc.OwnedBy(reporter) || inc.AssignmentMethod != MethodSelfAssigned {
		t.Errorf("emergency must be owned by the reporter: %+v", inc)
	}
	if inc.AssignedAt == nil || !inc.AssignedAt.Equal(t0) || !inc.OccurredAt.Equal(t0) {
		t.Errorf("unexpected timestamps %+v", inc)
	}
	got := audiences(tr)
	if len(got) != 2 || got[0] != AudienceGuardian || got[1] != AudiencePeerStaff {
		t.Errorf("unexpected audiences %v", got)
	}
	if !tr.Intents[0].RequiresAck {
		t.Error("emergency guardian notice requires acknowledgement")
	}
	if len(tr.Intents[1].Exclude) != 1 || tr.Intents[1].Exclude[0] != reporter {
		t.Error("staff broadcast must skip the reporter")
	}
}

func TestClassify_NonEmergency(t *testing.T) {
	c := NewClassifier(memConditions{})
	occurred := t0.Add(-10 * 60 * 1e9)
	inc, tr, err := c.Classify(context.Background(), CreateRequest{StudentID: uuid.New(), Kind: KindIllness, OccurredAt: occurred}, uuid.New(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Status != StatusPending || inc.OwnerID != nil || inc.AssignmentMethod != MethodUnassigned || inc.AssignedAt != nil {
		t.Errorf("non-emergency must be queued: %+v", inc)
	}
	if !inc.OccurredAt.Equal(occurred) {
		t.Errorf("expected occurred_at to be kept")
	}
	got := audiences(tr)
	if len(got) != 1 || got[0] != AudienceGuardian || tr.Intents[0].RequiresAck {
		t.Errorf("expected one informational guardian notice, got %+v", tr.Intents)
	}
}

func TestClassify_Validation(t *testing.T) {
	c := NewClassifier(memConditions{})
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing student", CreateRequest{Kind: KindInjury}},
		{"unknown kind", CreateRequest{StudentID: uuid.New(), Kind: "sunburn"}},
		{"future", CreateRequest{StudentID: uuid.New(), Kind: KindInjury, OccurredAt: t0.Add(24 * 3600 * 1e9)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.Classify(context.Background(), tt.req, uuid.New(), t0)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestClassify_UnknownCondition(t *testing.T) {
	c := NewClassifier(memConditions{})
	missing := uuid.New()
	_, _, err := c.Classify(context.Background(), CreateRequest{StudentID: uuid.New(), Kind: KindAllergicReaction, LinkedConditionID: &missing}, uuid.New(), t0)
	var ce *CompatibilityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompatibilityError, got %v", err)
	}
}
