// Package triage turns inbound emails into routing suggestions and applies the
// caseworker's decision. An email moves through
// received -> matched -> suggested -> cached, then decided or ignored.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow"
	"casework-pipeline/internal/telemetry"
	"casework-pipeline/internal/triagecache"
)

// Analyzer is the optional analysis service. *llm.Analyzer satisfies it.
type Analyzer interface {
	AnalyzeEmail(ctx context.Context, tc models.TriageContext) (models.Suggestion, error)
}

// Submitter enqueues jobs. *jobs.Client satisfies it.
type Submitter interface {
	Send(ctx context.Context, name jobtypes.Name, payload any, opts jobs.SendOptions) (string, error)
}

const DefaultPrefetchAhead = 10

// contextKinds are the lookup tables shown to the analysis service.
var contextKinds = []models.ReferenceKind{models.RefCaseTypes, models.RefStatusTypes, models.RefCategoryTypes}

type Config struct {
	// Analyzer may be nil; suggestions then come from the rules alone.
	Analyzer      Analyzer
	PrefetchAhead int
	Logger        *slog.Logger
	Metrics       *telemetry.Metrics
	Now           func() time.Time
}

// Pipeline is the triage pipeline.
type Pipeline struct {
	legacy   legacy.Client
	repos    shadow.Repositories
	cache    *triagecache.Cache
	submit   Submitter
	analyzer Analyzer
	ahead    int
	log      *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

func New(client legacy.Client, repos shadow.Repositories, cache *triagecache.Cache, submit Submitter, cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PrefetchAhead <= 0 {
		cfg.PrefetchAhead = DefaultPrefetchAhead
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		legacy:   client,
		repos:    repos,
		cache:    cache,
		submit:   submit,
		analyzer: cfg.Analyzer,
		ahead:    cfg.PrefetchAhead,
		log:      logger.With("component", "triage"),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
}

// Cached returns an already processed email without doing any work.
func (p *Pipeline) Cached(office models.OfficeID, email models.ExternalID) (models.TriageResult, bool) {
	return p.cache.Get(office, email)
}

// ProcessEmail is the triage.process-email handler.
func (p *Pipeline) ProcessEmail(ctx context.Context, job models.Job, pl jobtypes.ProcessEmailPayload) error {
	if err := pl.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	_, err := p.Process(ctx, pl.OfficeID, pl.EmailID, pl.Force)
	return err
}

// Process triages one email and caches the result. A fresh cached result is
// returned as is unless force is set.
func (p *Pipeline) Process(ctx context.Context, office models.OfficeID, emailID models.ExternalID, force bool) (models.TriageResult, error) {
	log := p.log.With("office", office, "email_id", emailID)
	if !force {
		if r, ok := p.cache.Get(office, emailID); ok {
			log.Debug("triage cache hit")
			return r, nil
		}
	}

	email, err := p.loadEmail(ctx, office, emailID)
	if err != nil {
		return models.TriageResult{}, err
	}
	log.Debug("email received", "stage", "received")

	match, err := p.matchConstituent(ctx, office, email.From)
	if err != nil {
		return models.TriageResult{}, err
	}
	cases, err := p.openCases(ctx, office, match)
	if err != nil {
		return models.TriageResult{}, err
	}
	log.Debug("email matched", "stage", "matched", "constituent", match != nil, "open_cases", len(cases))

	suggestion := p.suggest(ctx, office, email, match, cases)
	log.Debug("suggestion ready", "stage", "suggested", "action", suggestion.Action, "source", suggestion.Source)

	result := models.TriageResult{
		OfficeID:           office,
		EmailID:            emailID,
		Subject:            email.Subject,
		From:               email.From,
		MatchedConstituent: match,
		MatchedCases:       cases,
		Suggestion:         &suggestion,
		ProcessedAt:        p.now(),
	}
	if result.MatchedCases == nil {
		result.MatchedCases = []models.CaseSummary{}
	}
	p.cache.Set(result)
	log.Info("email triaged", "stage", "cached", "action", suggestion.Action, "confidence", suggestion.Confidence, "urgency", suggestion.Urgency)
	return result, nil
}

// loadEmail reads the shadow copy first and falls back to the legacy API.
func (p *Pipeline) loadEmail(ctx context.Context, office models.OfficeID, id models.ExternalID) (models.Email, error) {
	e, err := p.repos.Emails.FindByExternalID(ctx, office, id)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, shadow.ErrNotFound) {
		return models.Email{}, fmt.Errorf("load email %d: %w", id, err)
	}
	rec, err := p.legacy.GetEmail(ctx, office, id)
	if err != nil {
		if legacy.IsNotFound(err) {
			return models.Email{}, jobs.Permanent(fmt.Errorf("email %d: %w", id, err))
		}
		return models.Email{}, fmt.Errorf("fetch email %d: %w", id, err)
	}
	fields, _, _ := legacy.EmailFields(rec)
	e = models.Email{OfficeID: office, ExternalID: models.ExternalIDPtr(id)}
	fields.Apply(&e)
	return e, nil
}

// matchConstituent tries an exact sender match in the shadow store, then the
// legacy fuzzy matcher, whose ranking is taken as is.
func (p *Pipeline) matchConstituent(ctx context.Context, office models.OfficeID, from string) (*models.ConstituentMatch, error) {
	if from == "" {
		return nil, nil
	}
	c, err := p.repos.Constituents.FindByEmail(ctx, office, from)
	switch {
	case err == nil:
		id := c.ID
		return &models.ConstituentMatch{
			ID:         &id,
			ExternalID: c.ExternalID,
			Name:       c.FullName(),
			Email:      c.Email,
			Confidence: 1.0,
			Source:     models.MatchExact,
		}, nil
	case !errors.Is(err, shadow.ErrNotFound):
		return nil, fmt.Errorf("match constituent: %w", err)
	}

	candidates, err := p.legacy.FindConstituentMatches(ctx, office, from)
	if err != nil {
		return nil, fmt.Errorf("fuzzy match constituent: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	top := candidates[0]
	ext := top.ExternalID
	m := &models.ConstituentMatch{
		ExternalID: &ext,
		Name:       top.Name,
		Email:      top.Email,
		Confidence: clamp01(top.Score),
		Source:     models.MatchFuzzy,
	}
	// Link to the shadow row when it is mirrored so open cases can be found.
	if mirrored, err := p.repos.Constituents.FindByExternalID(ctx, office, ext); err == nil {
		id := mirrored.ID
		m.ID = &id
	} else if !errors.Is(err, shadow.ErrNotFound) {
		return nil, fmt.Errorf("resolve fuzzy match: %w", err)
	}
	return m, nil
}

func (p *Pipeline) openCases(ctx context.Context, office models.OfficeID, match *models.ConstituentMatch) ([]models.CaseSummary, error) {
	if match == nil || match.ID == nil {
		return nil, nil
	}
	cases, err := p.repos.Cases.ListOpenByConstituent(ctx, office, *match.ID)
	if err != nil {
		return nil, fmt.Errorf("list open cases: %w", err)
	}
	out := make([]models.CaseSummary, 0, len(cases))
	for _, c := range cases {
		out = append(out, models.CaseSummary{
			ID:             c.ID,
			ExternalID:     c.ExternalID,
			Summary:        c.Summary,
			StatusID:       c.StatusID,
			LastActivityAt: c.LastActivityAt,
		})
	}
	return out, nil
}

// suggest asks the analysis service when there is one and falls back to the
// rules on any failure. It never fails.
func (p *Pipeline) suggest(ctx context.Context, office models.OfficeID, email models.Email, match *models.ConstituentMatch, cases []models.CaseSummary) models.Suggestion {
	if p.analyzer != nil {
		tc := models.TriageContext{
			OfficeID:    office,
			Email:       email,
			Constituent: match,
			OpenCases:   cases,
			Reference:   p.referenceContext(ctx, office),
		}
		s, err := p.analyzer.AnalyzeEmail(ctx, tc)
		if err == nil {
			s.Source = models.SourceLLM
			s = ApplyUrgency(s, email)
			p.metrics.Suggestion(string(s.Source))
			return s
		}
		p.log.Warn("analysis failed, using rules", "office", office, "error", err)
	}
	s := SuggestByRules(email, match, cases)
	p.metrics.Suggestion(string(s.Source))
	return s
}

func (p *Pipeline) referenceContext(ctx context.Context, office models.OfficeID) map[models.ReferenceKind][]models.ReferenceItem {
	out := make(map[models.ReferenceKind][]models.ReferenceItem, len(contextKinds))
	for _, kind := range contextKinds {
		items, err := p.repos.Reference.ListActive(ctx, office, kind)
		if err != nil {
			p.log.Warn("reference data unavailable", "office", office, "kind", kind, "error", err)
			continue
		}
		out[kind] = items
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
