package legacy_test

import (
	"context"
	"errors"
	"testing"

	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/legacy/legacytest"
	"casework-pipeline/internal/models"
)

type stubLimiter struct {
	keys []string
	err  error
}

func (s *stubLimiter) Wait(_ context.Context, key string) error {
	s.keys = append(s.keys, key)
	return s.err
}

func TestRateLimitedWaitsPerOffice(t *testing.T) {
	fake := legacytest.New()
	lim := &stubLimiter{}
	c := legacy.WithRateLimit(fake, lim)
	office := models.OfficeID("6f9619ff-8b86-d011-b42d-00c04fc964ff")

	if err := c.MarkEmailActioned(context.Background(), office, 3); err != nil {
		t.Fatalf("mark actioned: %v", err)
	}
	if _, err := c.GetCaseworkers(context.Background(), office); err != nil {
		t.Fatalf("caseworkers: %v", err)
	}
	if len(lim.keys) != 2 || lim.keys[0] != "legacy:"+string(office) {
		t.Fatalf("unexpected limiter keys %v", lim.keys)
	}
	if fake.Calls("MarkEmailActioned") != 1 {
		t.Fatalf("call not forwarded")
	}
}

func TestRateLimitedSurfacesExhaustion(t *testing.T) {
	fake := legacytest.New()
	c := legacy.WithRateLimit(fake, &stubLimiter{err: errors.New("bucket empty")})

	_, err := c.SearchCases(context.Background(), "office", legacy.SearchQuery{Page: 1, Limit: 100})
	if !errors.Is(err, legacy.ErrRateLimited) || !legacy.IsTransient(err) {
		t.Fatalf("expected transient ErrRateLimited, got %v", err)
	}
	if fake.TotalCalls() != 0 {
		t.Fatalf("throttled call must not reach the API")
	}
}
