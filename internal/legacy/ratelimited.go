package legacy

import (
	"context"
	"errors"
	"fmt"

	"casework-pipeline/internal/models"
)

// Limiter blocks until a call under key may proceed.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// RateLimited throttles every call through a shared per-office limiter so all
// worker processes together stay inside the legacy API's budget.
type RateLimited struct {
	next    Client
	limiter Limiter
}

// WithRateLimit decorates next with limiter.
func WithRateLimit(next Client, limiter Limiter) *RateLimited {
	return &RateLimited{next: next, limiter: limiter}
}

func (r *RateLimited) wait(ctx context.Context, office models.OfficeID) error {
	err := r.limiter.Wait(ctx, "legacy:"+office.String())
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRateLimited, err)
}

func (r *RateLimited) SearchConstituents(ctx context.Context, office models.OfficeID, q SearchQuery) ([]Record, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.SearchConstituents(ctx, office, q)
}

func (r *RateLimited) SearchCases(ctx context.Context, office models.OfficeID, q SearchQuery) ([]Record, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.SearchCases(ctx, office, q)
}

func (r *RateLimited) SearchInbox(ctx context.Context, office models.OfficeID, q SearchQuery) ([]Record, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.SearchInbox(ctx, office, q)
}

func (r *RateLimited) GetEmail(ctx context.Context, office models.OfficeID, id models.ExternalID) (Record, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.GetEmail(ctx, office, id)
}

func (r *RateLimited) CreateConstituent(ctx context.Context, office models.OfficeID, data Record) (models.ExternalID, error) {
	if err := r.wait(ctx, office); err != nil {
		return 0, err
	}
	return r.next.CreateConstituent(ctx, office, data)
}

func (r *RateLimited) UpdateConstituent(ctx context.Context, office models.OfficeID, id models.ExternalID, data Record) error {
	if err := r.wait(ctx, office); err != nil {
		return err
	}
	return r.next.UpdateConstituent(ctx, office, id, data)
}

func (r *RateLimited) AddContactDetail(ctx context.Context, office models.OfficeID, constituent models.ExternalID, contactType *models.ExternalID, value string) error {
	if err := r.wait(ctx, office); err != nil {
		return err
	}
	return r.next.AddContactDetail(ctx, office, constituent, contactType, value)
}

func (r *RateLimited) CreateCase(ctx context.Context, office models.OfficeID, data Record) (models.ExternalID, error) {
	if err := r.wait(ctx, office); err != nil {
		return 0, err
	}
	return r.next.CreateCase(ctx, office, data)
}

func (r *RateLimited) UpdateCase(ctx context.Context, office models.OfficeID, id models.ExternalID, data Record) error {
	if err := r.wait(ctx, office); err != nil {
		return err
	}
	return r.next.UpdateCase(ctx, office, id, data)
}

func (r *RateLimited) CreateCaseNote(ctx context.Context, office models.OfficeID, caseID models.ExternalID, body string) (models.ExternalID, error) {
	if err := r.wait(ctx, office); err != nil {
		return 0, err
	}
	return r.next.CreateCaseNote(ctx, office, caseID, body)
}

func (r *RateLimited) CreateDraftEmail(ctx context.Context, office models.OfficeID, data Record) (models.ExternalID, error) {
	if err := r.wait(ctx, office); err != nil {
		return 0, err
	}
	return r.next.CreateDraftEmail(ctx, office, data)
}

func (r *RateLimited) UpdateEmail(ctx context.Context, office models.OfficeID, id models.ExternalID, data Record) error {
	if err := r.wait(ctx, office); err != nil {
		return err
	}
	return r.next.UpdateEmail(ctx, office, id, data)
}

func (r *RateLimited) MarkEmailActioned(ctx context.Context, office models.OfficeID, id models.ExternalID) error {
	if err := r.wait(ctx, office); err != nil {
		return err
	}
	return r.next.MarkEmailActioned(ctx, office, id)
}

func (r *RateLimited) FindConstituentMatches(ctx context.Context, office models.OfficeID, email string) ([]ConstituentMatch, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.FindConstituentMatches(ctx, office, email)
}

func (r *RateLimited) GetCaseTypes(ctx context.Context, office models.OfficeID) ([]Record, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.GetCaseTypes(ctx, office)
}

func (r *RateLimited) GetStatusTypes(ctx context.Context, office models.OfficeID) ([]Record, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.GetStatusTypes(ctx, office)
}

func (r *RateLimited) GetCategoryTypes(ctx context.Context, office models.OfficeID) ([]Record, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.GetCategoryTypes(ctx, office)
}

func (r *RateLimited) GetContactTypes(ctx context.Context, office models.OfficeID) ([]Record, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.GetContactTypes(ctx, office)
}

func (r *RateLimited) GetCaseworkers(ctx context.Context, office models.OfficeID) ([]Record, error) {
	if err := r.wait(ctx, office); err != nil {
		return nil, err
	}
	return r.next.GetCaseworkers(ctx, office)
}
