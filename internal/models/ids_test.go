package models

import (
	"errors"
	"testing"
)

func TestParseOfficeID(t *testing.T) {
	id, err := ParseOfficeID(" 6F9619FF-8B86-D011-B42D-00C04FC964FF ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != "6f9619ff-8b86-d011-b42d-00c04fc964ff" {
		t.Fatalf("expected canonical form, got %s", id)
	}
	if _, err := ParseOfficeID("office-1"); !errors.Is(err, ErrInvalidOfficeID) {
		t.Fatalf("expected ErrInvalidOfficeID, got %v", err)
	}
}

func TestNewExternalID(t *testing.T) {
	if _, err := NewExternalID(-1); !errors.Is(err, ErrInvalidExternalID) {
		t.Fatalf("expected negative id rejected, got %v", err)
	}
	id, err := ParseExternalID("42")
	if err != nil || id != 42 {
		t.Fatalf("expected 42, got %d err=%v", id, err)
	}
	if _, err := ParseExternalID("4x"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFieldsApplyOnlyPresent(t *testing.T) {
	c := Constituent{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.org"}
	first := "Augusta"
	ConstituentFields{FirstName: &first}.Apply(&c)
	if c.FirstName != "Augusta" || c.LastName != "Lovelace" || c.Email != "ada@example.org" {
		t.Fatalf("absent fields overwritten: %+v", c)
	}
}

func TestDecisionValidate(t *testing.T) {
	cases := []struct {
		name string
		d    TriageDecision
		ok   bool
	}{
		{"ignore", TriageDecision{Action: DecisionIgnore}, true},
		{"add without case", TriageDecision{Action: DecisionAddToCase}, false},
		{"add with case", TriageDecision{Action: DecisionAddToCase, CaseID: ExternalIDPtr(7)}, true},
		{"create without constituent", TriageDecision{Action: DecisionCreateCase, Case: &NewCase{}}, false},
		{"create new", TriageDecision{Action: DecisionCreateCase, NewConstituent: &NewConstituent{FirstName: "A"}, Case: &NewCase{}}, true},
		{"unknown", TriageDecision{Action: "archive"}, false},
	}
	for _, tc := range cases {
		err := tc.d.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}
