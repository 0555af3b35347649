package condition

import "testing"

func TestType_Valid(t *testing.T) {
	for _, ty := range []Type{TypeAllergy, TypeChronicDisease, TypeMedicalHistory} {
		if !ty.Valid() {
			t.Errorf("expected %q to be valid", ty)
		}
	}
	for _, ty := range []Type{"", "allergies", "chronic"} {
		if ty.Valid() {
			t.Errorf("expected %q to be invalid", ty)
		}
	}
}
