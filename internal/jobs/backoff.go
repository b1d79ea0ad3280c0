package jobs

import (
	"math"
	"math/rand"
	"time"

	"casework-pipeline/internal/models"
)

// retryDelay is how long a failed job waits before its next attempt.
func retryDelay(job models.Job, max time.Duration) time.Duration {
	if !job.RetryBackoff {
		return job.RetryDelay
	}
	return backoffWithJitter(job.RetryDelay, max, job.Attempts)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
