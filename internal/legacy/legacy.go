// Package legacy is the adapter boundary to the legacy case-management API.
// Its JSON shapes are an untyped contract, so records travel as Record maps and
// are converted to shadow-store fields at the edge.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"casework-pipeline/internal/models"
)

// SearchQuery pages through a legacy listing. The API reports no total count;
// a page shorter than Limit is the last one.
type SearchQuery struct {
	Page          int
	Limit         int
	ModifiedAfter *time.Time
	DateFrom      *time.Time
	DateTo        *time.Time
}

// ConstituentMatch is one ranked candidate from the fuzzy matcher.
type ConstituentMatch struct {
	ExternalID models.ExternalID `json:"id"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	Score      float64           `json:"score"`
}

// Client is every legacy operation the pipeline uses.
type Client interface {
	SearchConstituents(ctx context.Context, office models.OfficeID, q SearchQuery) ([]Record, error)
	SearchCases(ctx context.Context, office models.OfficeID, q SearchQuery) ([]Record, error)
	SearchInbox(ctx context.Context, office models.OfficeID, q SearchQuery) ([]Record, error)
	GetEmail(ctx context.Context, office models.OfficeID, id models.ExternalID) (Record, error)

	CreateConstituent(ctx context.Context, office models.OfficeID, data Record) (models.ExternalID, error)
	UpdateConstituent(ctx context.Context, office models.OfficeID, id models.ExternalID, data Record) error
	AddContactDetail(ctx context.Context, office models.OfficeID, constituent models.ExternalID, contactType *models.ExternalID, value string) error
	CreateCase(ctx context.Context, office models.OfficeID, data Record) (models.ExternalID, error)
	UpdateCase(ctx context.Context, office models.OfficeID, id models.ExternalID, data Record) error
	CreateCaseNote(ctx context.Context, office models.OfficeID, caseID models.ExternalID, body string) (models.ExternalID, error)
	CreateDraftEmail(ctx context.Context, office models.OfficeID, data Record) (models.ExternalID, error)
	UpdateEmail(ctx context.Context, office models.OfficeID, id models.ExternalID, data Record) error
	MarkEmailActioned(ctx context.Context, office models.OfficeID, id models.ExternalID) error

	// FindConstituentMatches returns candidates best first.
	FindConstituentMatches(ctx context.Context, office models.OfficeID, email string) ([]ConstituentMatch, error)

	GetCaseTypes(ctx context.Context, office models.OfficeID) ([]Record, error)
	GetStatusTypes(ctx context.Context, office models.OfficeID) ([]Record, error)
	GetCategoryTypes(ctx context.Context, office models.OfficeID) ([]Record, error)
	GetContactTypes(ctx context.Context, office models.OfficeID) ([]Record, error)
	GetCaseworkers(ctx context.Context, office models.OfficeID) ([]Record, error)
}

// Reference fetches one lookup table by kind.
func Reference(ctx context.Context, c Client, office models.OfficeID, kind models.ReferenceKind) ([]Record, error) {
	switch kind {
	case models.RefCaseTypes:
		return c.GetCaseTypes(ctx, office)
	case models.RefStatusTypes:
		return c.GetStatusTypes(ctx, office)
	case models.RefCategoryTypes:
		return c.GetCategoryTypes(ctx, office)
	case models.RefContactTypes:
		return c.GetContactTypes(ctx, office)
	case models.RefCaseworkers:
		return c.GetCaseworkers(ctx, office)
	}
	return nil, fmt.Errorf("unknown reference kind %q", kind)
}

// ErrRateLimited means the shared token bucket could not grant a call in time.
var ErrRateLimited = errors.New("legacy api rate limited")

// Error is a failed legacy call. StatusCode is zero for transport failures.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("legacy %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("legacy %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying later could succeed: throttling, server
// errors, and transport failures.
func (e *Error) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// Permanent covers authentication, missing resources, and other client errors.
func (e *Error) Permanent() bool { return !e.Transient() }

// IsNotFound reports whether err is a legacy 404.
func IsNotFound(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.StatusCode == http.StatusNotFound
}

// IsTransient reports whether err is a retryable legacy failure.
func IsTransient(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var le *Error
	return errors.As(err, &le) && le.Transient()
}
