package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"casework-pipeline/internal/models"
)

// Chatter is the chat completion call the analyzer needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error)
}

// ErrInvalidSuggestion means the model answered with something unusable.
var ErrInvalidSuggestion = errors.New("invalid llm suggestion")

// Analyzer turns a triage context into a suggestion. Every failure is returned
// to the caller, which owns the fallback.
type Analyzer struct {
	client  Chatter
	model   string
	timeout time.Duration
	log     *slog.Logger
}

// NewAnalyzer builds an analyzer. A zero timeout means no extra deadline.
func NewAnalyzer(client Chatter, model string, timeout time.Duration, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{client: client, model: model, timeout: timeout, log: logger.With("component", "llm")}
}

type rawSuggestion struct {
	Action     string   `json:"action"`
	CaseID     *int64   `json:"case_id"`
	CaseTypeID *int64   `json:"case_type_id"`
	CategoryID *int64   `json:"category_id"`
	Confidence *float64 `json:"confidence"`
	Urgency    string   `json:"urgency"`
	Reason     string   `json:"reason"`
}

// AnalyzeEmail asks the model for a routing suggestion.
func (a *Analyzer) AnalyzeEmail(ctx context.Context, tc models.TriageContext) (models.Suggestion, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	raw, err := a.client.Chat(ctx, a.model, BuildPrompt(tc), suggestionSchema())
	if err != nil {
		return models.Suggestion{}, fmt.Errorf("analyze email: %w", err)
	}

	var rs rawSuggestion
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		a.log.Debug("unparseable llm response", "response", raw)
		return models.Suggestion{}, fmt.Errorf("%w: %v", ErrInvalidSuggestion, err)
	}
	return toSuggestion(rs, tc)
}

func toSuggestion(rs rawSuggestion, tc models.TriageContext) (models.Suggestion, error) {
	s := models.Suggestion{
		Action: models.SuggestedAction(rs.Action),
		Reason: rs.Reason,
		Source: models.SourceLLM,
	}
	switch s.Action {
	case models.ActionCreateNew, models.ActionAddToCase, models.ActionIgnore:
	default:
		return models.Suggestion{}, fmt.Errorf("%w: action %q", ErrInvalidSuggestion, rs.Action)
	}
	if rs.Confidence == nil || *rs.Confidence < 0 || *rs.Confidence > 1 {
		return models.Suggestion{}, fmt.Errorf("%w: confidence out of range", ErrInvalidSuggestion)
	}
	s.Confidence = *rs.Confidence

	switch models.Urgency(rs.Urgency) {
	case models.UrgencyLow, models.UrgencyHigh:
		s.Urgency = models.Urgency(rs.Urgency)
	default:
		s.Urgency = models.UrgencyNormal
	}

	if s.Action == models.ActionAddToCase {
		if rs.CaseID == nil || !hasOpenCase(tc.OpenCases, *rs.CaseID) {
			return models.Suggestion{}, fmt.Errorf("%w: add_to_case without a known open case", ErrInvalidSuggestion)
		}
		s.CaseID = externalPtr(*rs.CaseID)
	}
	if rs.CaseTypeID != nil && hasReference(tc.Reference[models.RefCaseTypes], *rs.CaseTypeID) {
		s.CaseTypeID = externalPtr(*rs.CaseTypeID)
	}
	if rs.CategoryID != nil && hasReference(tc.Reference[models.RefCategoryTypes], *rs.CategoryID) {
		s.CategoryID = externalPtr(*rs.CategoryID)
	}
	return s, nil
}

func hasOpenCase(cases []models.CaseSummary, id int64) bool {
	for _, c := range cases {
		if c.ExternalID != nil && c.ExternalID.Int64() == id {
			return true
		}
	}
	return false
}

func hasReference(items []models.ReferenceItem, id int64) bool {
	for _, it := range items {
		if it.ExternalID.Int64() == id {
			return true
		}
	}
	return false
}

func externalPtr(n int64) *models.ExternalID {
	id := models.ExternalID(n)
	return &id
}
