// Package jobs is a typed client over the durable job store. Postgres holds
// every job row and its lifecycle state; Redis decides delivery order and
// tracks leases. The registry in jobtypes supplies each job's retry policy.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/telemetry"
)

// Store is the durable side of the job queue.
type Store interface {
	EnsureQueue(ctx context.Context, name string) error
	ListQueues(ctx context.Context) ([]string, error)
	// InsertJob stores a job in the created state. When lock is set and its key
	// is still held, nothing is written and created is false.
	InsertJob(ctx context.Context, job models.Job, lock *models.SingletonLock) (created bool, err error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// MarkActive moves a created job to active and counts the attempt. ok is
	// false when the job is no longer waiting, for example after a cancel.
	MarkActive(ctx context.Context, id string, at time.Time) (job models.Job, ok bool, err error)
	Complete(ctx context.Context, id string, at time.Time) error
	Retry(ctx context.Context, id string, startAfter time.Time, lastErr string) error
	FailTerminal(ctx context.Context, id string, state models.JobState, lastErr string, at time.Time) error
	Cancel(ctx context.Context, id string, at time.Time) (models.Job, error)
	Resume(ctx context.Context, id string, startAfter time.Time) (models.Job, error)
	CountQueued(ctx context.Context, name string) (int64, error)
	DeleteQueued(ctx context.Context, name string) (int64, error)
	ListJobs(ctx context.Context, name string, limit int) ([]models.Job, error)
	// ListDeliverable pages through created jobs that were due and untouched
	// before the cutoff, ordered by id and starting after the given id.
	ListDeliverable(ctx context.Context, before time.Time, afterID string, limit int) ([]models.Job, error)
	UpsertSchedule(ctx context.Context, s models.Schedule) error
	DeleteSchedule(ctx context.Context, name, key string) (bool, error)
	ListSchedules(ctx context.Context) ([]models.Schedule, error)
}

// Queue is the delivery side, implemented by queue.RedisQueue.
type Queue interface {
	// Enqueue is a no-op for ids the queue already tracks.
	Enqueue(ctx context.Context, queue, jobID string, priority int, runAt time.Time) (bool, error)
	PromoteDue(ctx context.Context, limit int64) (int, error)
	Lease(ctx context.Context, queue string, visibility time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	ReclaimExpired(ctx context.Context, limit int64) ([]string, error)
	Remove(ctx context.Context, queue, jobID string) error
	Purge(ctx context.Context, queue string) (int64, error)
	Depth(ctx context.Context, queue string) (int64, error)
}

// Handler runs one leased job. Returning nil completes it; any error fails the
// attempt and the registry policy decides what happens next.
type Handler func(ctx context.Context, job models.Job) error

// Options configure a Client.
type Options struct {
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	MaxBackoff          time.Duration
	// ResyncInterval is how often created rows missing from Redis are queued
	// again. Defaults to a minute.
	ResyncInterval time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
	Now            func() time.Time
	// SubmitOnly clients provision queues and submit jobs but never lease,
	// reclaim, or fire cron schedules. The operator CLI runs this way.
	SubmitOnly bool
}

// SendOptions tune a single submission.
type SendOptions struct {
	SingletonKey string
	StartAfter   time.Time
	// Priority overrides the registry priority when positive.
	Priority int
}

// WorkOptions tune a worker pool.
type WorkOptions struct {
	Concurrency int
}

// leaseGrace lets the handler's own deadline fire before the lease is reclaimed.
const leaseGrace = 30 * time.Second

// deliveryGrace is how long a created row may go untouched before a resync
// treats it as missing from Redis.
const deliveryGrace = time.Minute

const resyncPage = 200

// releaseBound caps how long a release-on-finish singleton key may outlive a
// job row that vanished without reaching a terminal state.
const releaseBound = 24 * time.Hour

type worker struct {
	name    jobtypes.Name
	handler Handler
	opts    WorkOptions
	started bool
}

// Client is the Job Store Client.
type Client struct {
	store   Store
	queue   Queue
	opts    Options
	log     *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu          sync.Mutex
	started     bool
	stopped     bool
	provisioned map[jobtypes.Name]bool
	workers     map[jobtypes.Name]*worker
	cron        *cron.Cron
	entries     map[string]cron.EntryID
	lastResync  time.Time

	leaseCtx    context.Context
	stopLeasing context.CancelFunc
	runCtx      context.Context
	forceStop   context.CancelFunc
	wg          sync.WaitGroup
}

// NewClient wires a client. Nothing touches the store until Start.
func NewClient(st Store, q Queue, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:       st,
		queue:       q,
		opts:        opts,
		log:         logger.With("component", "jobs"),
		metrics:     opts.Metrics,
		now:         opts.Now,
		provisioned: make(map[jobtypes.Name]bool),
		workers:     make(map[jobtypes.Name]*worker),
		entries:     make(map[string]cron.EntryID),
	}
}

// Start provisions every registered queue. Unless the client is submit-only it
// then re-queues created jobs Redis lost, and launches the maintenance loop,
// the cron scheduler and any worker pools registered so far. Calling Start twice is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if c.stopped {
		return errors.New("job client already stopped")
	}

	for _, name := range jobtypes.Queues() {
		if err := c.store.EnsureQueue(ctx, string(name)); err != nil {
			return fmt.Errorf("provision queue %s: %w", name, err)
		}
	}
	names, err := c.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	for _, n := range names {
		c.provisioned[jobtypes.Name(n)] = true
	}

	c.leaseCtx, c.stopLeasing = context.WithCancel(context.Background())
	c.runCtx, c.forceStop = context.WithCancel(context.Background())
	c.started = true

	if c.opts.SubmitOnly {
		return nil
	}

	c.cron = cron.New()
	schedules, err := c.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, s := range schedules {
		if err := c.registerCronLocked(s); err != nil {
			c.log.Error("skipping schedule", "job", s.Name, "key", s.Key, "error", err)
		}
	}
	c.cron.Start()

	if err := c.resync(ctx); err != nil {
		c.log.Warn("resync undelivered jobs", "error", err)
	}

	c.wg.Add(1)
	go c.maintain()

	for _, w := range c.workers {
		c.launchLocked(w)
	}
	c.log.Info("job client started", "queues", len(c.provisioned), "workers", len(c.workers))
	return nil
}

// Stop stops leasing new jobs and waits for in-flight handlers. When ctx ends
// first, running handlers see their contexts cancelled and Stop returns the
// context error. Stop is idempotent.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.stopLeasing()
	var cronDone context.Context
	if c.cron != nil {
		cronDone = c.cron.Stop()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		if cronDone != nil {
			<-cronDone.Done()
		}
		close(done)
	}()

	select {
	case <-done:
		c.forceStop()
		c.log.Info("job client stopped")
		return nil
	case <-ctx.Done():
		c.forceStop()
		<-done
		return ctx.Err()
	}
}

func (c *Client) checkQueue(name jobtypes.Name) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		return ErrNotStarted
	}
	if !c.provisioned[name] {
		return fmt.Errorf("%w: %s", ErrQueueNotProvisioned, name)
	}
	return nil
}

// Send submits one job. It returns the new job id, or an empty id and a nil
// error when a live job already holds the singleton key.
func (c *Client) Send(ctx context.Context, name jobtypes.Name, payload any, opts SendOptions) (string, error) {
	if err := c.checkQueue(name); err != nil {
		return "", err
	}
	return c.send(ctx, name, payload, opts)
}

// send skips the lifecycle check so dead-lettering still works while Stop drains.
func (c *Client) send(ctx context.Context, name jobtypes.Name, payload any, opts SendOptions) (string, error) {
	def, ok := jobtypes.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", name, err)
	}

	now := c.now()
	startAfter := now
	if opts.StartAfter.After(now) {
		startAfter = opts.StartAfter
	}
	priority := def.Policy.Priority
	if opts.Priority > 0 {
		priority = opts.Priority
	}
	job := models.Job{
		ID:           uuid.NewString(),
		Name:         string(name),
		Payload:      raw,
		State:        models.StateCreated,
		Priority:     priority,
		RetryLimit:   def.Policy.RetryLimit,
		RetryDelay:   def.Policy.RetryDelay,
		RetryBackoff: def.Policy.RetryBackoff,
		ExpireIn:     def.Policy.ExpireIn,
		DeadLetter:   string(def.Policy.DeadLetter),
		StartAfter:   startAfter,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var lock *models.SingletonLock
	if opts.SingletonKey != "" {
		key := opts.SingletonKey
		job.SingletonKey = &key
		if def.Policy.SingletonWindow > 0 {
			lock = &models.SingletonLock{Key: key, ExpiresAt: now.Add(def.Policy.SingletonWindow)}
		} else {
			lock = &models.SingletonLock{Key: key, ExpiresAt: now.Add(releaseBound), ReleaseOnFinish: true}
		}
	}

	created, err := c.store.InsertJob(ctx, job, lock)
	if err != nil {
		return "", fmt.Errorf("insert %s job: %w", name, err)
	}
	if !created {
		c.metrics.SingletonRejected(string(name))
		c.log.Debug("singleton key held, job not queued", "job", name, "singleton_key", opts.SingletonKey)
		return "", nil
	}

	if _, err := c.queue.Enqueue(ctx, job.Name, job.ID, job.Priority, job.StartAfter); err != nil {
		// The row would otherwise sit in created forever and hold its key.
		_ = c.store.FailTerminal(ctx, job.ID, models.StateFailed, "enqueue: "+err.Error(), now)
		return "", fmt.Errorf("enqueue %s job: %w", name, err)
	}
	c.metrics.Sent(string(name))
	return job.ID, nil
}

// Fetch leases the next job from a queue and marks it active. A nil job means
// the queue had nothing deliverable. The caller owns the job until it calls
// Complete or Fail, or the lease expires.
func (c *Client) Fetch(ctx context.Context, name jobtypes.Name) (*models.Job, error) {
	if err := c.checkQueue(name); err != nil {
		return nil, err
	}
	def, _ := jobtypes.Lookup(name)
	for {
		id, err := c.queue.Lease(ctx, string(name), def.Policy.ExpireIn+leaseGrace)
		if err != nil {
			return nil, fmt.Errorf("lease %s: %w", name, err)
		}
		if id == "" {
			return nil, nil
		}
		job, ok, err := c.store.MarkActive(ctx, id, c.now())
		if err != nil && !errors.Is(err, models.ErrJobNotFound) {
			return nil, fmt.Errorf("activate job %s: %w", id, err)
		}
		if err != nil || !ok {
			// Cancelled, purged, or already finished: drop the stale id.
			_ = c.queue.Ack(ctx, id)
			continue
		}
		return &job, nil
	}
}

// Complete marks a leased job completed.
func (c *Client) Complete(ctx context.Context, id string) error {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.Complete(ctx, id, c.now()); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if err := c.queue.Ack(ctx, id); err != nil {
		return fmt.Errorf("ack job %s: %w", id, err)
	}
	c.metrics.Completed(job.Name)
	return nil
}

// Fail records a failed attempt of a leased job. The job is retried after its
// policy's delay while attempts remain, otherwise it is finished as failed and
// dead-lettered when the policy names a dead-letter queue.
func (c *Client) Fail(ctx context.Context, id string, cause error) error {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return c.settleFailure(ctx, job, cause, models.StateFailed)
}

func (c *Client) settleFailure(ctx context.Context, job models.Job, cause error, terminal models.JobState) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	log := c.log.With("job", job.Name, "job_id", job.ID, "attempt", job.Attempts)

	if job.Attempts <= job.RetryLimit && !IsPermanent(cause) {
		next := c.now().Add(retryDelay(job, c.opts.MaxBackoff))
		if err := c.store.Retry(ctx, job.ID, next, msg); err != nil {
			return fmt.Errorf("retry job %s: %w", job.ID, err)
		}
		if err := c.queue.Ack(ctx, job.ID); err != nil {
			return fmt.Errorf("ack job %s: %w", job.ID, err)
		}
		if _, err := c.queue.Enqueue(ctx, job.Name, job.ID, job.Priority, next); err != nil {
			return fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		if terminal == models.StateExpired {
			c.metrics.Expired(job.Name)
		}
		c.metrics.Failed(job.Name)
		log.Warn("job attempt failed, retry scheduled", "next_run", next, "error", msg)
		return nil
	}

	if err := c.store.FailTerminal(ctx, job.ID, terminal, msg, c.now()); err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	if err := c.queue.Ack(ctx, job.ID); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	if terminal == models.StateExpired {
		c.metrics.Expired(job.Name)
	}
	c.metrics.Failed(job.Name)
	log.Error("job exhausted retries", "state", terminal, "error", msg)

	if job.DeadLetter == "" {
		return nil
	}
	dlq := jobtypes.Name(job.DeadLetter)
	if _, err := c.send(ctx, dlq, jobtypes.DeadLetterPayload{
		JobID:    job.ID,
		Name:     jobtypes.Name(job.Name),
		Payload:  job.Payload,
		Attempts: job.Attempts,
		Error:    msg,
	}, SendOptions{}); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	c.metrics.DeadLettered(job.Name)
	return nil
}

// Cancel stops a job from being delivered again. A handler already running
// finishes, but its outcome is not recorded.
func (c *Client) Cancel(ctx context.Context, id string) error {
	job, err := c.store.Cancel(ctx, id, c.now())
	if err != nil {
		return err
	}
	return c.queue.Remove(ctx, job.Name, id)
}

// Resume re-queues a cancelled, failed, or expired job with a fresh attempt count.
func (c *Client) Resume(ctx context.Context, id string) error {
	now := c.now()
	job, err := c.store.Resume(ctx, id, now)
	if err != nil {
		return err
	}
	if _, err := c.queue.Enqueue(ctx, job.Name, job.ID, job.Priority, now); err != nil {
		return fmt.Errorf("enqueue resumed job %s: %w", id, err)
	}
	return nil
}

// GetJob returns a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (models.Job, error) {
	return c.store.GetJob(ctx, id)
}

// GetQueueSize counts jobs waiting in a queue, including delayed retries.
func (c *Client) GetQueueSize(ctx context.Context, name jobtypes.Name) (int64, error) {
	if err := c.checkQueue(name); err != nil {
		return 0, err
	}
	return c.store.CountQueued(ctx, string(name))
}

// PurgeQueue deletes every job still waiting in a queue and returns how many
// were removed. Active jobs are left alone.
func (c *Client) PurgeQueue(ctx context.Context, name jobtypes.Name) (int64, error) {
	if err := c.checkQueue(name); err != nil {
		return 0, err
	}
	n, err := c.store.DeleteQueued(ctx, string(name))
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", name, err)
	}
	if _, err := c.queue.Purge(ctx, string(name)); err != nil {
		return n, fmt.Errorf("purge %s ready list: %w", name, err)
	}
	c.log.Info("queue purged", "job", name, "removed", n)
	return n, nil
}

// Jobs lists the most recent jobs of a queue, newest first. Dead-letter
// queues are inspected this way.
func (c *Client) Jobs(ctx context.Context, name jobtypes.Name, limit int) ([]models.Job, error) {
	if err := c.checkQueue(name); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return c.store.ListJobs(ctx, string(name), limit)
}

// maintain promotes delayed jobs, reclaims expired leases, resyncs lost jobs
// and samples depths.
func (c *Client) maintain() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.leaseCtx.Done():
			return
		case <-ticker.C:
			c.maintainOnce(c.runCtx)
		}
	}
}

func (c *Client) maintainOnce(ctx context.Context) {
	if _, err := c.queue.PromoteDue(ctx, 500); err != nil {
		c.log.Warn("promote delayed jobs", "error", err)
	}
	reclaimed, err := c.queue.ReclaimExpired(ctx, 100)
	if err != nil {
		c.log.Warn("reclaim expired leases", "error", err)
	}
	for _, id := range reclaimed {
		job, err := c.store.GetJob(ctx, id)
		if err != nil {
			_ = c.queue.Ack(ctx, id)
			continue
		}
		switch job.State {
		case models.StateActive:
		case models.StateCreated:
			// Leased but never activated: the worker died before MarkActive.
			c.redeliver(ctx, job)
			continue
		default:
			_ = c.queue.Ack(ctx, id)
			continue
		}
		if err := c.settleFailure(ctx, job, errors.New("lease expired"), models.StateExpired); err != nil {
			c.log.Error("settle expired lease", "job_id", id, "error", err)
		}
	}
	if now := c.now(); now.Sub(c.lastResync) >= c.opts.ResyncInterval {
		if err := c.resync(ctx); err != nil {
			c.log.Warn("resync undelivered jobs", "error", err)
		}
	}
	for _, name := range jobtypes.Queues() {
		if depth, err := c.queue.Depth(ctx, string(name)); err == nil {
			c.metrics.SetQueueDepth(string(name), depth)
		}
	}
}

// redeliver drops a stale lease and queues the job again without counting an
// attempt.
func (c *Client) redeliver(ctx context.Context, job models.Job) {
	if err := c.queue.Ack(ctx, job.ID); err != nil {
		c.log.Error("drop stale lease", "job_id", job.ID, "error", err)
		return
	}
	if _, err := c.queue.Enqueue(ctx, job.Name, job.ID, job.Priority, job.StartAfter); err != nil {
		c.log.Error("requeue unactivated job", "job_id", job.ID, "error", err)
		return
	}
	c.log.Warn("lease expired before activation, job queued again", "job", job.Name, "job_id", job.ID)
}

// resync queues created jobs that Redis no longer tracks, for example a row
// whose enqueue was cut off by a crash. Ids Redis still tracks are skipped.
func (c *Client) resync(ctx context.Context) error {
	now := c.now()
	c.lastResync = now
	requeued, after := 0, ""
	for {
		due, err := c.store.ListDeliverable(ctx, now.Add(-deliveryGrace), after, resyncPage)
		if err != nil {
			return fmt.Errorf("list deliverable jobs: %w", err)
		}
		for _, job := range due {
			added, err := c.queue.Enqueue(ctx, job.Name, job.ID, job.Priority, job.StartAfter)
			if err != nil {
				return fmt.Errorf("requeue job %s: %w", job.ID, err)
			}
			if added {
				requeued++
			}
		}
		if len(due) < resyncPage {
			break
		}
		after = due[len(due)-1].ID
	}
	if requeued > 0 {
		c.log.Warn("requeued jobs missing from redis", "count", requeued)
	}
	return nil
}
