package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
)

// Work registers the handler for a job type. Pools registered before Start
// launch with it; later registrations launch immediately. Dead-letter queues
// cannot be worked.
func (c *Client) Work(name jobtypes.Name, handler Handler, opts WorkOptions) error {
	def, ok := jobtypes.Lookup(name)
	if !ok || def.Terminal {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for %s", name)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrNotStarted
	}
	if _, exists := c.workers[name]; exists {
		return fmt.Errorf("handler already registered for %s", name)
	}
	w := &worker{name: name, handler: handler, opts: opts}
	c.workers[name] = w
	if c.started && !c.opts.SubmitOnly {
		c.launchLocked(w)
	}
	return nil
}

func (c *Client) launchLocked(w *worker) {
	if w.started {
		return
	}
	w.started = true
	for i := 0; i < w.opts.Concurrency; i++ {
		c.wg.Add(1)
		go c.poll(w)
	}
	c.log.Debug("worker pool started", "job", w.name, "concurrency", w.opts.Concurrency)
}

// poll leases and runs jobs until leasing stops.
func (c *Client) poll(w *worker) {
	defer c.wg.Done()
	for {
		if c.leaseCtx.Err() != nil {
			return
		}
		job, err := c.Fetch(c.leaseCtx, w.name)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotStarted) {
				c.log.Warn("fetch failed", "job", w.name, "error", err)
			}
			c.idle()
			continue
		}
		if job == nil {
			c.idle()
			continue
		}
		c.execute(*job, w.handler)
	}
}

func (c *Client) idle() {
	t := time.NewTimer(c.opts.PollInterval)
	defer t.Stop()
	select {
	case <-c.leaseCtx.Done():
	case <-t.C:
	}
}

// execute runs the handler under the job's expiry and settles the outcome.
// Settlement uses the forced-stop context so a draining Stop still records it.
func (c *Client) execute(job models.Job, handler Handler) {
	c.metrics.LeaseStarted()
	defer c.metrics.LeaseFinished()

	ctx := c.runCtx
	if job.ExpireIn > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.ExpireIn)
		defer cancel()
	}

	started := c.now()
	err := safeRun(ctx, job, handler)
	log := c.log.With("job", job.Name, "job_id", job.ID)
	if err == nil {
		if err := c.Complete(c.runCtx, job.ID); err != nil {
			log.Error("record completion", "error", err)
		}
		log.Debug("job completed", "duration", c.now().Sub(started))
		return
	}
	if err := c.settleFailure(c.runCtx, job, err, models.StateFailed); err != nil {
		log.Error("record failure", "error", err)
	}
}

func safeRun(ctx context.Context, job models.Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}
