package triage

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
)

// prefetchParallelism bounds concurrent submissions from one prefetch.
const prefetchParallelism = 4

// BatchPrefetch is the triage.batch-prefetch handler. Only the first
// PrefetchAhead ids are considered; each uncached one becomes its own
// process-email job, which loads the email by id itself.
func (p *Pipeline) BatchPrefetch(ctx context.Context, job models.Job, pl jobtypes.BatchPrefetchPayload) error {
	if err := pl.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	n, err := p.Prefetch(ctx, pl.OfficeID, pl.EmailIDs, pl.PrefetchAhead)
	if err != nil {
		return err
	}
	p.log.Debug("prefetch submitted", "office", pl.OfficeID, "job_id", job.ID, "submitted", n)
	return nil
}

// Prefetch submits process-email jobs for the uncached head of ids and reports
// how many were queued.
func (p *Pipeline) Prefetch(ctx context.Context, office models.OfficeID, ids []models.ExternalID, ahead int) (int, error) {
	if ahead <= 0 {
		ahead = p.ahead
	}
	if ahead > len(ids) {
		ahead = len(ids)
	}

	var todo []models.ExternalID
	for _, id := range ids[:ahead] {
		if !p.cache.Has(office, id) {
			todo = append(todo, id)
		}
	}

	queued := make([]bool, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchParallelism)
	for i, id := range todo {
		i, id := i, id
		g.Go(func() error {
			key := jobtypes.SingletonKey(office, jobtypes.TriageProcessEmail, id.String())
			jobID, err := p.submit.Send(gctx, jobtypes.TriageProcessEmail, jobtypes.ProcessEmailPayload{OfficeID: office, EmailID: id}, jobs.SendOptions{SingletonKey: key})
			if err != nil {
				return fmt.Errorf("submit email %d: %w", id, err)
			}
			queued[i] = jobID != ""
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	n := 0
	for _, q := range queued {
		if q {
			n++
		}
	}
	return n, nil
}
