package models

import (
	"errors"
	"fmt"
	"time"
)

// SuggestedAction is what triage recommends doing with an email.
type SuggestedAction string

const (
	ActionCreateNew SuggestedAction = "create_new"
	ActionAddToCase SuggestedAction = "add_to_case"
	ActionIgnore    SuggestedAction = "ignore"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// SuggestionSource records whether a suggestion came from the LLM or the rules.
type SuggestionSource string

const (
	SourceLLM   SuggestionSource = "llm"
	SourceRules SuggestionSource = "rules"
)

// Suggestion is a routing recommendation for an inbound email.
type Suggestion struct {
	Action     SuggestedAction  `json:"action"`
	CaseID     *ExternalID      `json:"case_id,omitempty"`
	CaseTypeID *ExternalID      `json:"case_type_id,omitempty"`
	CategoryID *ExternalID      `json:"category_id,omitempty"`
	Confidence float64          `json:"confidence"`
	Urgency    Urgency          `json:"urgency"`
	Reason     string           `json:"reason,omitempty"`
	Source     SuggestionSource `json:"source"`
}

// MatchSource records how a constituent match was found.
type MatchSource string

const (
	MatchExact MatchSource = "exact"
	MatchFuzzy MatchSource = "fuzzy"
)

// ConstituentMatch is the constituent triage believes sent an email.
type ConstituentMatch struct {
	ID         *InternalID `json:"id,omitempty"`
	ExternalID *ExternalID `json:"external_id,omitempty"`
	Name       string      `json:"name"`
	Email      string      `json:"email"`
	Confidence float64     `json:"confidence"`
	Source     MatchSource `json:"source"`
}

// CaseSummary is the slice of a case triage shows to the LLM and the caller.
type CaseSummary struct {
	ID             InternalID  `json:"id"`
	ExternalID     *ExternalID `json:"external_id,omitempty"`
	Summary        string      `json:"summary"`
	StatusID       *ExternalID `json:"status_id,omitempty"`
	LastActivityAt time.Time   `json:"last_activity_at"`
}

// TriageResult is the cached, enriched view of one email.
type TriageResult struct {
	OfficeID           OfficeID          `json:"office_id"`
	EmailID            ExternalID        `json:"email_id"`
	Subject            string            `json:"subject"`
	From               string            `json:"from"`
	MatchedConstituent *ConstituentMatch `json:"matched_constituent,omitempty"`
	MatchedCases       []CaseSummary     `json:"matched_cases"`
	Suggestion         *Suggestion       `json:"suggestion,omitempty"`
	ProcessedAt        time.Time         `json:"processed_at"`
}

// TriageContext is everything an analysis service sees about an email.
type TriageContext struct {
	OfficeID    OfficeID                          `json:"office_id"`
	Email       Email                             `json:"email"`
	Constituent *ConstituentMatch                 `json:"constituent,omitempty"`
	OpenCases   []CaseSummary                     `json:"open_cases"`
	Reference   map[ReferenceKind][]ReferenceItem `json:"reference"`
}

// DecisionAction is the caseworker's choice for an email.
type DecisionAction string

const (
	DecisionCreateCase DecisionAction = "create_case"
	DecisionAddToCase  DecisionAction = "add_to_case"
	DecisionIgnore     DecisionAction = "ignore"
)

// NewConstituent describes a constituent to create alongside a new case.
type NewConstituent struct {
	Title     string `json:"title,omitempty"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// NewCase describes a case to open in the legacy system.
type NewCase struct {
	Summary      string      `json:"summary"`
	CaseTypeID   *ExternalID `json:"case_type_id,omitempty"`
	StatusID     *ExternalID `json:"status_id,omitempty"`
	CategoryID   *ExternalID `json:"category_id,omitempty"`
	AssignedToID *ExternalID `json:"assigned_to_id,omitempty"`
}

// TriageDecision is a caseworker's resolution of a triaged email.
type TriageDecision struct {
	EmailID        ExternalID      `json:"email_id"`
	Action         DecisionAction  `json:"action"`
	MarkActioned   bool            `json:"mark_actioned"`
	ConstituentID  *ExternalID     `json:"constituent_id,omitempty"`
	NewConstituent *NewConstituent `json:"new_constituent,omitempty"`
	ContactTypeID  *ExternalID     `json:"contact_type_id,omitempty"`
	CaseID         *ExternalID     `json:"case_id,omitempty"`
	Case           *NewCase        `json:"case,omitempty"`
}

var ErrInvalidDecision = errors.New("invalid triage decision")

// Validate checks the fields each action depends on.
func (d TriageDecision) Validate() error {
	switch d.Action {
	case DecisionCreateCase:
		if d.ConstituentID == nil && d.NewConstituent == nil {
			return fmt.Errorf("%w: create_case needs constituent_id or new_constituent", ErrInvalidDecision)
		}
		if d.Case == nil {
			return fmt.Errorf("%w: create_case needs case details", ErrInvalidDecision)
		}
	case DecisionAddToCase:
		if d.CaseID == nil {
			return fmt.Errorf("%w: add_to_case needs case_id", ErrInvalidDecision)
		}
	case DecisionIgnore:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, d.Action)
	}
	return nil
}
