package jobs

import (
	"math/rand"
	"testing"
	"time"

	"casework-pipeline/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b40 := backoffWithJitter(base, max, 40)
	if b40 < max/2 || b40 > max {
		t.Fatalf("backoff should be capped, got %s", b40)
	}
}

func TestRetryDelayWithoutBackoffIsFixed(t *testing.T) {
	job := models.Job{RetryDelay: 5 * time.Second, Attempts: 4}
	if d := retryDelay(job, time.Hour); d != 5*time.Second {
		t.Fatalf("expected fixed delay, got %s", d)
	}
}
