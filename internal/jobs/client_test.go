package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"casework-pipeline/internal/jobs/jobstest"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/queue"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const office = models.OfficeID("6f9619ff-8b86-d011-b42d-00c04fc964ff")

func newSubmitClient(t *testing.T) (*Client, *jobstest.MemStore, *testClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	st := jobstest.NewMemStore()
	q := queue.NewRedisQueue(rdb, queue.WithClock(clock.Now))
	c := NewClient(st, q, Options{Now: clock.Now, SubmitOnly: true, MaxBackoff: time.Hour})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, st, clock
}

func TestSendBeforeStart(t *testing.T) {
	c := NewClient(jobstest.NewMemStore(), nil, Options{})
	_, err := c.Send(context.Background(), jobtypes.SyncAll, jobtypes.SyncAllPayload{OfficeID: office}, SendOptions{})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestSendToUnprovisionedQueue(t *testing.T) {
	c, _, _ := newSubmitClient(t)
	_, err := c.Send(context.Background(), jobtypes.Name("reports.weekly"), map[string]any{}, SendOptions{})
	if !errors.Is(err, ErrQueueNotProvisioned) {
		t.Fatalf("expected ErrQueueNotProvisioned, got %v", err)
	}
}

func TestSingletonReleasedOnFinish(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newSubmitClient(t)
	key := jobtypes.SingletonKey(office, jobtypes.SyncCases)
	payload := jobtypes.SyncPayload{OfficeID: office, Entity: models.EntityCases, Mode: models.SyncFull}

	first, err := c.Send(ctx, jobtypes.SyncCases, payload, SendOptions{SingletonKey: key})
	if err != nil || first == "" {
		t.Fatalf("first send: id=%q err=%v", first, err)
	}
	dup, err := c.Send(ctx, jobtypes.SyncCases, payload, SendOptions{SingletonKey: key})
	if err != nil || dup != "" {
		t.Fatalf("duplicate should be rejected without error, got id=%q err=%v", dup, err)
	}

	job, err := c.Fetch(ctx, jobtypes.SyncCases)
	if err != nil || job == nil || job.ID != first {
		t.Fatalf("fetch: job=%v err=%v", job, err)
	}
	if err := c.Complete(ctx, job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	again, err := c.Send(ctx, jobtypes.SyncCases, payload, SendOptions{SingletonKey: key})
	if err != nil || again == "" {
		t.Fatalf("key should be free after completion, got id=%q err=%v", again, err)
	}
}

func TestSingletonWindowOutlivesJob(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newSubmitClient(t)
	key := jobtypes.SingletonKey(office, jobtypes.ScheduledPollLegacy, string(models.PollNewEmails))
	payload := jobtypes.PollPayload{OfficeID: office, PollType: models.PollNewEmails}

	id, _ := c.Send(ctx, jobtypes.ScheduledPollLegacy, payload, SendOptions{SingletonKey: key})
	job, _ := c.Fetch(ctx, jobtypes.ScheduledPollLegacy)
	if job == nil || job.ID != id {
		t.Fatalf("expected to lease %s", id)
	}
	_ = c.Complete(ctx, id)

	if dup, _ := c.Send(ctx, jobtypes.ScheduledPollLegacy, payload, SendOptions{SingletonKey: key}); dup != "" {
		t.Fatalf("window should still block submission, got %q", dup)
	}
	clock.Advance(61 * time.Second)
	if next, _ := c.Send(ctx, jobtypes.ScheduledPollLegacy, payload, SendOptions{SingletonKey: key}); next == "" {
		t.Fatalf("window elapsed, submission should be accepted")
	}
}

func TestSingletonKeysAreOfficeScoped(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newSubmitClient(t)
	other := models.OfficeID("0b1f6b6e-3d2c-4f55-9a36-8e8a3f7b2c11")

	a, _ := c.Send(ctx, jobtypes.SyncEmails, jobtypes.SyncPayload{OfficeID: office}, SendOptions{SingletonKey: jobtypes.SingletonKey(office, jobtypes.SyncEmails)})
	b, _ := c.Send(ctx, jobtypes.SyncEmails, jobtypes.SyncPayload{OfficeID: other}, SendOptions{SingletonKey: jobtypes.SingletonKey(other, jobtypes.SyncEmails)})
	if a == "" || b == "" {
		t.Fatalf("different offices must not collide: %q %q", a, b)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	c, st, clock := newSubmitClient(t)
	payload := jobtypes.PushPayload{OfficeID: office, Entity: models.EntityCases, EntityID: "case-1", Operation: jobtypes.PushCreate}
	id, err := c.Send(ctx, jobtypes.PushCase, payload, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	def := jobtypes.MustLookup(jobtypes.PushCase)
	for attempt := 1; attempt <= def.Policy.RetryLimit+1; attempt++ {
		job, err := c.Fetch(ctx, jobtypes.PushCase)
		if err != nil || job == nil {
			t.Fatalf("attempt %d: fetch job=%v err=%v", attempt, job, err)
		}
		if job.Attempts != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, job.Attempts)
		}
		if err := c.Fail(ctx, job.ID, errors.New("legacy returned 503")); err != nil {
			t.Fatalf("fail: %v", err)
		}
		clock.Advance(2 * time.Hour)
		c.maintainOnce(ctx)
	}

	job, _ := c.GetJob(ctx, id)
	if job.State != models.StateFailed {
		t.Fatalf("expected failed after retries, got %s", job.State)
	}
	dead := st.Jobs(string(jobtypes.PushDeadLetter))
	if len(dead) != 1 {
		t.Fatalf("expected one dead-letter job, got %d", len(dead))
	}
	var dl jobtypes.DeadLetterPayload
	if err := json.Unmarshal(dead[0].Payload, &dl); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if dl.JobID != id || dl.Error != "legacy returned 503" || dl.Attempts != def.Policy.RetryLimit+1 {
		t.Fatalf("unexpected dead letter payload: %+v", dl)
	}
	if more, _ := c.Fetch(ctx, jobtypes.PushCase); more != nil {
		t.Fatalf("no further delivery expected, got %s", more.ID)
	}
}

func TestRetryWaitsForDelay(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newSubmitClient(t)
	_, _ = c.Send(ctx, jobtypes.TriageProcessEmail, jobtypes.ProcessEmailPayload{OfficeID: office, EmailID: 7}, SendOptions{})

	job, _ := c.Fetch(ctx, jobtypes.TriageProcessEmail)
	_ = c.Fail(ctx, job.ID, errors.New("boom"))

	c.maintainOnce(ctx)
	if again, _ := c.Fetch(ctx, jobtypes.TriageProcessEmail); again != nil {
		t.Fatalf("retry delivered before its delay")
	}
	clock.Advance(6 * time.Second)
	c.maintainOnce(ctx)
	again, _ := c.Fetch(ctx, jobtypes.TriageProcessEmail)
	if again == nil || again.ID != job.ID {
		t.Fatalf("expected retry after delay")
	}
}

func TestExpiredLeaseCountsAsAttempt(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newSubmitClient(t)
	id, _ := c.Send(ctx, jobtypes.TriageProcessEmail, jobtypes.ProcessEmailPayload{OfficeID: office, EmailID: 9}, SendOptions{})

	for i := 0; i < 2; i++ {
		job, _ := c.Fetch(ctx, jobtypes.TriageProcessEmail)
		if job == nil {
			t.Fatalf("round %d: expected a lease", i)
		}
		clock.Advance(3 * time.Minute)
		c.maintainOnce(ctx)
		clock.Advance(10 * time.Second)
		c.maintainOnce(ctx)
	}

	job, _ := c.GetJob(ctx, id)
	if job.State != models.StateExpired {
		t.Fatalf("expected expired, got %s (attempts=%d)", job.State, job.Attempts)
	}
}

func TestLeaseLostBeforeActivationIsRedelivered(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newSubmitClient(t)
	key := jobtypes.SingletonKey(office, jobtypes.SyncConstituents)
	payload := jobtypes.SyncPayload{OfficeID: office, Entity: models.EntityConstituents, Mode: models.SyncFull}

	id, err := c.Send(ctx, jobtypes.SyncConstituents, payload, SendOptions{SingletonKey: key})
	if err != nil || id == "" {
		t.Fatalf("send: id=%q err=%v", id, err)
	}
	// The worker leases and dies before marking the job active.
	if leased, _ := c.queue.Lease(ctx, string(jobtypes.SyncConstituents), time.Minute); leased != id {
		t.Fatalf("expected to lease %s, got %q", id, leased)
	}
	clock.Advance(2 * time.Minute)
	c.maintainOnce(ctx)

	job, err := c.Fetch(ctx, jobtypes.SyncConstituents)
	if err != nil || job == nil || job.ID != id {
		t.Fatalf("expected %s redelivered, got %v err=%v", id, job, err)
	}
	if job.Attempts != 1 {
		t.Fatalf("an unactivated lease must not count as an attempt, got %d", job.Attempts)
	}
	if err := c.Complete(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if again, _ := c.Send(ctx, jobtypes.SyncConstituents, payload, SendOptions{SingletonKey: key}); again == "" {
		t.Fatalf("key should be free once the redelivered job completed")
	}
}

func TestRetryLostBetweenAckAndRequeueIsResynced(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newSubmitClient(t)
	id, _ := c.Send(ctx, jobtypes.SyncCases, jobtypes.SyncPayload{OfficeID: office, Entity: models.EntityCases}, SendOptions{})
	job, _ := c.Fetch(ctx, jobtypes.SyncCases)
	if job == nil || job.ID != id {
		t.Fatalf("expected to lease %s", id)
	}

	// Retry recorded and the lease acked, then the process stops before requeueing.
	if err := c.store.Retry(ctx, id, clock.Now().Add(30*time.Second), "boom"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := c.queue.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	clock.Advance(2 * time.Minute)
	c.maintainOnce(ctx)

	again, err := c.Fetch(ctx, jobtypes.SyncCases)
	if err != nil || again == nil || again.ID != id || again.Attempts != 2 {
		t.Fatalf("expected second attempt of %s, got %+v err=%v", id, again, err)
	}
}

func TestResyncQueuesRowsMissingFromRedis(t *testing.T) {
	ctx := context.Background()
	c, st, clock := newSubmitClient(t)
	key := jobtypes.SingletonKey(office, jobtypes.SyncEmails)

	// A row committed by a process that crashed before enqueueing it.
	now := clock.Now()
	orphan := models.Job{
		ID:           "00000000-0000-4000-8000-000000000001",
		Name:         string(jobtypes.SyncEmails),
		Payload:      json.RawMessage(`{}`),
		State:        models.StateCreated,
		SingletonKey: &key,
		StartAfter:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	lock := &models.SingletonLock{Key: key, ExpiresAt: now.Add(releaseBound), ReleaseOnFinish: true}
	if created, err := st.InsertJob(ctx, orphan, lock); err != nil || !created {
		t.Fatalf("insert orphan: created=%v err=%v", created, err)
	}
	queued, _ := c.Send(ctx, jobtypes.SyncEmails, jobtypes.SyncPayload{OfficeID: office, Entity: models.EntityEmails}, SendOptions{})

	c.maintainOnce(ctx)
	if depth, _ := c.queue.Depth(ctx, string(jobtypes.SyncEmails)); depth != 1 {
		t.Fatalf("a fresh row must be left alone during the grace period, depth=%d", depth)
	}

	clock.Advance(2 * time.Minute)
	c.maintainOnce(ctx)
	if depth, _ := c.queue.Depth(ctx, string(jobtypes.SyncEmails)); depth != 2 {
		t.Fatalf("expected the orphan queued once beside %s, depth=%d", queued, depth)
	}
	c.maintainOnce(ctx)
	clock.Advance(2 * time.Minute)
	c.maintainOnce(ctx)
	if depth, _ := c.queue.Depth(ctx, string(jobtypes.SyncEmails)); depth != 2 {
		t.Fatalf("repeated resyncs must not duplicate ids, depth=%d", depth)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, err := c.Fetch(ctx, jobtypes.SyncEmails)
		if err != nil || job == nil {
			t.Fatalf("fetch %d: %v err=%v", i, job, err)
		}
		seen[job.ID] = true
		_ = c.Complete(ctx, job.ID)
	}
	if !seen[orphan.ID] || !seen[queued] {
		t.Fatalf("expected both jobs delivered, got %v", seen)
	}
	if id, _ := c.Send(ctx, jobtypes.SyncEmails, jobtypes.SyncPayload{OfficeID: office}, SendOptions{SingletonKey: key}); id == "" {
		t.Fatalf("orphan's singleton key should be released after it ran")
	}
}

func TestCancelAndResume(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newSubmitClient(t)
	id, _ := c.Send(ctx, jobtypes.SyncReferenceData, jobtypes.SyncPayload{OfficeID: office}, SendOptions{})

	if err := c.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if job, _ := c.Fetch(ctx, jobtypes.SyncReferenceData); job != nil {
		t.Fatalf("cancelled job delivered")
	}
	if err := c.Resume(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	job, _ := c.Fetch(ctx, jobtypes.SyncReferenceData)
	if job == nil || job.ID != id || job.Attempts != 1 {
		t.Fatalf("expected resumed job with fresh attempts, got %+v", job)
	}
	if err := c.Resume(ctx, id); !errors.Is(err, models.ErrJobNotResumable) {
		t.Fatalf("active job must not resume, got %v", err)
	}
}

func TestQueueSizeAndPurge(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newSubmitClient(t)
	for i := 0; i < 3; i++ {
		_, _ = c.Send(ctx, jobtypes.TriageProcessEmail, jobtypes.ProcessEmailPayload{OfficeID: office, EmailID: models.ExternalID(i)}, SendOptions{})
	}
	if n, err := c.GetQueueSize(ctx, jobtypes.TriageProcessEmail); err != nil || n != 3 {
		t.Fatalf("expected size 3, got %d err=%v", n, err)
	}
	if n, err := c.PurgeQueue(ctx, jobtypes.TriageProcessEmail); err != nil || n != 3 {
		t.Fatalf("expected 3 purged, got %d err=%v", n, err)
	}
	if n, _ := c.GetQueueSize(ctx, jobtypes.TriageProcessEmail); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	if job, _ := c.Fetch(ctx, jobtypes.TriageProcessEmail); job != nil {
		t.Fatalf("purged job delivered")
	}
}

func TestUndecodablePayloadIsNotRetried(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newSubmitClient(t)
	id, _ := c.Send(ctx, jobtypes.PushCaseNote, json.RawMessage(`{"entity_id": 12}`), SendOptions{})

	handler := Typed(func(ctx context.Context, job models.Job, p jobtypes.PushPayload) error { return nil })
	job, _ := c.Fetch(ctx, jobtypes.PushCaseNote)
	if err := c.settleFailure(ctx, *job, handler(ctx, *job), models.StateFailed); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, _ := c.GetJob(ctx, id)
	if got.State != models.StateFailed || got.Attempts != 1 {
		t.Fatalf("expected terminal failure on first attempt, got %s/%d", got.State, got.Attempts)
	}
	if len(st.Jobs(string(jobtypes.PushDeadLetter))) != 1 {
		t.Fatalf("expected dead-letter submission")
	}
}

func TestScheduleValidatesAndDedupesTicks(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newSubmitClient(t)
	payload := jobtypes.PollPayload{OfficeID: office, PollType: models.PollAll}

	if err := c.Schedule(ctx, jobtypes.ScheduledPollLegacy, "not a cron", payload, ScheduleOptions{Key: string(office)}); err == nil {
		t.Fatalf("expected cron parse error")
	}
	if err := c.Schedule(ctx, jobtypes.PushDeadLetter, "* * * * *", payload, ScheduleOptions{}); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("dead-letter queues cannot be scheduled, got %v", err)
	}
	if err := c.Schedule(ctx, jobtypes.ScheduledPollLegacy, "*/5 * * * *", payload, ScheduleOptions{Key: string(office), Timezone: "Europe/London"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	schedules, _ := st.ListSchedules(ctx)
	if len(schedules) != 1 || schedules[0].Timezone != "Europe/London" {
		t.Fatalf("schedule not persisted: %+v", schedules)
	}

	c.fire(schedules[0])
	c.fire(schedules[0])
	if n := len(st.Jobs(string(jobtypes.ScheduledPollLegacy))); n != 1 {
		t.Fatalf("two processes firing the same tick must submit once, got %d", n)
	}

	if err := c.Unschedule(ctx, jobtypes.ScheduledPollLegacy, string(office)); err != nil {
		t.Fatalf("unschedule: %v", err)
	}
	if schedules, _ := st.ListSchedules(ctx); len(schedules) != 0 {
		t.Fatalf("schedule not removed")
	}
}

func TestWorkRejectsDeadLetterQueues(t *testing.T) {
	c := NewClient(jobstest.NewMemStore(), nil, Options{})
	err := c.Work(jobtypes.TriageDeadLetter, func(context.Context, models.Job) error { return nil }, WorkOptions{})
	if !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestWorkerPoolRunsAndDrains(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	st := jobstest.NewMemStore()
	c := NewClient(st, queue.NewRedisQueue(rdb), Options{PollInterval: 5 * time.Millisecond, MaintenanceInterval: 10 * time.Millisecond})

	started := make(chan string, 1)
	release := make(chan struct{})
	err = c.Work(jobtypes.TriageBatchPrefetch, Typed(func(ctx context.Context, job models.Job, p jobtypes.BatchPrefetchPayload) error {
		started <- job.ID
		<-release
		if p.OfficeID != office {
			return errors.New("wrong office")
		}
		return nil
	}), WorkOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("work: %v", err)
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	id, err := c.Send(ctx, jobtypes.TriageBatchPrefetch, jobtypes.BatchPrefetchPayload{OfficeID: office, EmailIDs: []models.ExternalID{1}}, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-started:
		if got != id {
			t.Fatalf("unexpected job %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		stopped <- c.Stop(stopCtx)
	}()
	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}

	job, _ := st.GetJob(ctx, id)
	if job.State != models.StateCompleted {
		t.Fatalf("in-flight job should finish during drain, got %s", job.State)
	}
	if _, err := c.Send(ctx, jobtypes.TriageBatchPrefetch, jobtypes.BatchPrefetchPayload{OfficeID: office}, SendOptions{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("send after stop should fail, got %v", err)
	}
}
