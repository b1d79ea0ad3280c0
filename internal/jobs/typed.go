package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"casework-pipeline/internal/models"
)

// Typed decodes the job payload into P before calling fn. A payload that does
// not decode is a permanent failure: retrying it cannot help.
func Typed[P any](fn func(ctx context.Context, job models.Job, payload P) error) Handler {
	return func(ctx context.Context, job models.Job) error {
		var payload P
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return Permanent(fmt.Errorf("decode %s payload: %w", job.Name, err))
		}
		return fn(ctx, job, payload)
	}
}
