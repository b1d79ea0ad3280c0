package legacy

import (
	"encoding/json"
	"testing"
)

func TestExternalRefAcceptsLegacyShapes(t *testing.T) {
	r := Record{
		"a": float64(42),
		"b": json.Number("7"),
		"c": "19",
		"d": float64(-1),
		"e": 3.5,
		"f": nil,
	}
	cases := map[string]int64{"a": 42, "b": 7, "c": 19}
	for key, want := range cases {
		got := r.ExternalRef(key)
		if got == nil || got.Int64() != want {
			t.Fatalf("%s: expected %d, got %v", key, want, got)
		}
	}
	for _, key := range []string{"d", "e", "f", "missing"} {
		if got := r.ExternalRef(key); got != nil {
			t.Fatalf("%s: expected nil, got %v", key, *got)
		}
	}
}

func TestConstituentFieldsLeaveAbsentKeysNil(t *testing.T) {
	f := ConstituentFields(Record{"id": float64(1), "email": "a@example.org", "phone": nil})
	if f.Email == nil || *f.Email != "a@example.org" {
		t.Fatalf("email not mapped: %+v", f)
	}
	if f.FirstName != nil || f.LastName != nil || f.Phone != nil {
		t.Fatalf("absent or null fields must stay nil: %+v", f)
	}
}

func TestCaseFieldsReturnConstituentReference(t *testing.T) {
	f, constituent := CaseFields(Record{
		"summary":       "Housing repairs",
		"constituentId": float64(55),
		"statusId":      float64(2),
		"lastActivity":  "2026-02-01T09:30:00Z",
		"closed":        false,
	})
	if constituent == nil || constituent.Int64() != 55 {
		t.Fatalf("expected constituent ref 55, got %v", constituent)
	}
	if f.Summary == nil || f.StatusID == nil || f.LastActivityAt == nil || f.Closed == nil {
		t.Fatalf("fields missing: %+v", f)
	}
	if f.CaseTypeID != nil {
		t.Fatalf("absent case type should be nil")
	}
}

func TestReferenceItemDefaultsActive(t *testing.T) {
	item, err := ReferenceItem("office", "case_types", Record{"id": float64(3), "name": "Benefits"})
	if err != nil {
		t.Fatalf("reference item: %v", err)
	}
	if !item.Active || item.Name != "Benefits" || item.ExternalID != 3 {
		t.Fatalf("unexpected item: %+v", item)
	}
	if _, err := ReferenceItem("office", "case_types", Record{"name": "No id"}); err == nil {
		t.Fatalf("expected error for missing id")
	}
}
