package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/legacy/legacytest"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow/shadowtest"
)

const office = models.OfficeID("6f9619ff-8b86-d011-b42d-00c04fc964ff")

type submission struct {
	id      string
	name    jobtypes.Name
	payload any
	key     string
}

// recorder is an in-memory Submitter that honours singleton keys.
type recorder struct {
	mu      sync.Mutex
	pending []submission
	all     []submission
	keys    map[string]bool
}

func (r *recorder) Send(_ context.Context, name jobtypes.Name, payload any, opts jobs.SendOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = map[string]bool{}
	}
	if opts.SingletonKey != "" {
		if r.keys[opts.SingletonKey] {
			return "", nil
		}
		r.keys[opts.SingletonKey] = true
	}
	sub := submission{id: fmt.Sprintf("job-%d", len(r.all)+1), name: name, payload: payload, key: opts.SingletonKey}
	r.pending = append(r.pending, sub)
	r.all = append(r.all, sub)
	return sub.id, nil
}

func (r *recorder) pop() (submission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return submission{}, false
	}
	s := r.pending[0]
	r.pending = r.pending[1:]
	return s, true
}

type notifier struct{ results []Result }

func (n *notifier) SyncCompleted(_ context.Context, r Result) { n.results = append(n.results, r) }

type fixture struct {
	syncer *Syncer
	legacy *legacytest.Fake
	repos  *shadowtest.Repos
	jobs   *recorder
	notes  *notifier
	now    time.Time
}

func newFixture() *fixture {
	f := &fixture{
		legacy: legacytest.New(),
		repos:  shadowtest.New(),
		jobs:   &recorder{},
		notes:  &notifier{},
		now:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	f.syncer = New(f.legacy, f.repos.Repositories(), f.jobs, Config{
		Notifier: f.notes,
		Now:      func() time.Time { return f.now },
	})
	return f
}

// run executes one job and then every continuation it leads to.
func (f *fixture) run(t *testing.T, jobID string, p jobtypes.SyncPayload) error {
	t.Helper()
	if err := f.syncer.Sync(context.Background(), models.Job{ID: jobID}, p); err != nil {
		return err
	}
	for {
		next, ok := f.jobs.pop()
		if !ok {
			return nil
		}
		np, ok := next.payload.(jobtypes.SyncPayload)
		if !ok {
			t.Fatalf("unexpected submission %s", next.name)
		}
		if err := f.syncer.Sync(context.Background(), models.Job{ID: next.id}, np); err != nil {
			return err
		}
	}
}

func (f *fixture) status(t *testing.T, entity models.EntityType) models.SyncStatus {
	t.Helper()
	s, err := f.repos.SyncStatus.Get(context.Background(), office, entity)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return s
}

func pages(qs []legacy.SearchQuery) []int {
	out := make([]int, len(qs))
	for i, q := range qs {
		out[i] = q.Page
	}
	return out
}

func constituentsPayload(mode models.SyncMode) jobtypes.SyncPayload {
	return jobtypes.SyncPayload{OfficeID: office, Entity: models.EntityConstituents, Mode: mode}
}

func TestIncrementalSyncStopsOnShortPage(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 237)

	if err := f.run(t, "job-0", constituentsPayload(models.SyncIncremental)); err != nil {
		t.Fatalf("sync: %v", err)
	}

	st := f.status(t, models.EntityConstituents)
	if st.RecordsSynced != 237 || st.RecordsFailed != 0 {
		t.Fatalf("expected 237 synced, got %d synced %d failed", st.RecordsSynced, st.RecordsFailed)
	}
	if !st.LastSyncSuccess || st.InProgress || st.LastSyncCompletedAt == nil {
		t.Fatalf("sync not marked complete: %+v", st)
	}
	if got := pages(f.legacy.Searches[models.EntityConstituents]); fmt.Sprint(got) != "[1 2 3]" {
		t.Fatalf("expected pages 1..3, got %v", got)
	}
	if n := f.repos.Constituents.Len(office); n != 237 {
		t.Fatalf("expected 237 shadow rows, got %d", n)
	}
	if len(f.notes.results) != 1 || f.notes.results[0].RecordsSynced != 237 {
		t.Fatalf("completion not signalled: %+v", f.notes.results)
	}
}

func TestRepeatedSyncConvergesToOneRowPerRecord(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 150)

	for i := 0; i < 2; i++ {
		if err := f.run(t, fmt.Sprintf("run-%d", i), constituentsPayload(models.SyncFull)); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		f.now = f.now.Add(time.Hour)
	}
	if n := f.repos.Constituents.Len(office); n != 150 {
		t.Fatalf("expected 150 rows after two runs, got %d", n)
	}
	if st := f.status(t, models.EntityConstituents); st.RecordsSynced != 150 {
		t.Fatalf("second run should count 150 updates, got %d", st.RecordsSynced)
	}
}

func TestPartialUpdateKeepsAbsentFields(t *testing.T) {
	f := newFixture()
	ext := models.ExternalID(3)
	phone := "01632 960000"
	f.repos.Constituents.Put(models.Constituent{ID: "c-3", OfficeID: office, ExternalID: &ext, FirstName: "Old", Phone: phone})
	f.legacy.Constituents = []legacy.Record{{"id": float64(3), "firstName": "New"}}

	if err := f.run(t, "job-0", constituentsPayload(models.SyncFull)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	c, err := f.repos.Constituents.FindByExternalID(context.Background(), office, ext)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if c.FirstName != "New" || c.Phone != phone {
		t.Fatalf("partial update wrong: %+v", c)
	}
}

func TestWatermarkNeverBeforeModifiedSince(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 3)
	since := f.now.Add(2 * time.Hour)

	p := constituentsPayload(models.SyncIncremental)
	p.ModifiedSince = &since
	if err := f.run(t, "job-0", p); err != nil {
		t.Fatalf("sync: %v", err)
	}
	st := f.status(t, models.EntityConstituents)
	if st.LastSyncCompletedAt.Before(since) {
		t.Fatalf("watermark %s earlier than modifiedSince %s", st.LastSyncCompletedAt, since)
	}
	q := f.legacy.Searches[models.EntityConstituents][0]
	if q.ModifiedAfter == nil || !q.ModifiedAfter.Equal(since) {
		t.Fatalf("search not bounded by modifiedSince: %+v", q)
	}
}

func TestIncrementalDefaultsToLastCompletion(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 2)
	if err := f.run(t, "first", constituentsPayload(models.SyncIncremental)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	completed := *f.status(t, models.EntityConstituents).LastSyncCompletedAt
	f.now = f.now.Add(time.Hour)

	if err := f.run(t, "second", constituentsPayload(models.SyncIncremental)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	qs := f.legacy.Searches[models.EntityConstituents]
	if got := qs[len(qs)-1].ModifiedAfter; got == nil || !got.Equal(completed) {
		t.Fatalf("expected watermark %s, got %v", completed, got)
	}
}

func TestCancellationBetweenPages(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 450)
	f.legacy.OnSearch = func(_ models.EntityType, q legacy.SearchQuery) error {
		if q.Page == 2 {
			return f.syncer.RequestCancel(context.Background(), office, models.EntityConstituents)
		}
		return nil
	}

	if err := f.run(t, "job-0", constituentsPayload(models.SyncFull)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	st := f.status(t, models.EntityConstituents)
	if !st.LastSyncSuccess || st.RecordsSynced != 200 {
		t.Fatalf("expected success with 200 records, got %+v", st)
	}
	if got := pages(f.legacy.Searches[models.EntityConstituents]); fmt.Sprint(got) != "[1 2]" {
		t.Fatalf("page 3 should never be requested, got %v", got)
	}
	if len(f.notes.results) != 1 || !f.notes.results[0].Cancelled {
		t.Fatalf("cancellation not reported: %+v", f.notes.results)
	}
}

func TestRecordFailureDoesNotAbortSync(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 237)
	f.repos.Constituents.Fail = map[models.ExternalID]error{5: errors.New("constraint violation")}

	if err := f.run(t, "job-0", constituentsPayload(models.SyncFull)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	st := f.status(t, models.EntityConstituents)
	if st.RecordsSynced != 236 || st.RecordsFailed != 1 || st.LastSyncSuccess {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(f.legacy.Searches[models.EntityConstituents]) != 3 {
		t.Fatalf("sync should have continued through every page")
	}
	if msg, ok := f.notes.results[0].Errors[5]; !ok || msg == "" {
		t.Fatalf("failure not keyed by external id: %+v", f.notes.results[0].Errors)
	}
}

func TestRedeliveredPageIsNotReprocessed(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 237)
	p := constituentsPayload(models.SyncFull)
	ctx := context.Background()

	if err := f.syncer.Sync(ctx, models.Job{ID: "job-0"}, p); err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if err := f.syncer.Sync(ctx, models.Job{ID: "job-0"}, p); err != nil {
		t.Fatalf("page 1 redelivered: %v", err)
	}
	next, _ := f.jobs.pop()
	np := next.payload.(jobtypes.SyncPayload)
	for i := 0; i < 2; i++ {
		if err := f.syncer.Sync(ctx, models.Job{ID: next.id}, np); err != nil {
			t.Fatalf("page 2: %v", err)
		}
	}

	if got := pages(f.legacy.Searches[models.EntityConstituents]); fmt.Sprint(got) != "[1 2]" {
		t.Fatalf("redelivered pages were fetched again: %v", got)
	}
	if st := f.status(t, models.EntityConstituents); st.RecordsSynced != 200 {
		t.Fatalf("double counted: %d", st.RecordsSynced)
	}
	if len(f.jobs.pending) != 1 {
		t.Fatalf("expected exactly one queued page 3, got %d", len(f.jobs.pending))
	}
}

func TestRunningSyncIsNotStartedTwice(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 237)
	ctx := context.Background()

	if err := f.syncer.Sync(ctx, models.Job{ID: "job-0"}, constituentsPayload(models.SyncFull)); err != nil {
		t.Fatalf("page 1: %v", err)
	}
	f.now = f.now.Add(10 * time.Minute)
	if err := f.syncer.Sync(ctx, models.Job{ID: "other"}, constituentsPayload(models.SyncFull)); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n := len(f.legacy.Searches[models.EntityConstituents]); n != 1 {
		t.Fatalf("second run should skip while the first is live, searches=%d", n)
	}
}

func TestStaleRunResumesFromCheckpoint(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 237)
	ctx := context.Background()

	if err := f.syncer.Sync(ctx, models.Job{ID: "job-0"}, constituentsPayload(models.SyncFull)); err != nil {
		t.Fatalf("page 1: %v", err)
	}
	// The worker dies before page 2 is delivered.
	f.jobs.pending = nil
	f.now = f.now.Add(31 * time.Minute)

	if err := f.run(t, "rescue", constituentsPayload(models.SyncFull)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := pages(f.legacy.Searches[models.EntityConstituents]); fmt.Sprint(got) != "[1 2 3]" {
		t.Fatalf("expected resume at page 2, got %v", got)
	}
	if st := f.status(t, models.EntityConstituents); st.RecordsSynced != 237 || st.InProgress {
		t.Fatalf("unexpected status after resume: %+v", st)
	}
}

func TestUpstreamFailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture()
	f.legacy.Constituents = legacytest.Records(1, 237)
	outage := &legacy.Error{Op: "SearchConstituents", StatusCode: 503}
	f.legacy.OnSearch = func(_ models.EntityType, q legacy.SearchQuery) error {
		if q.Page == 2 {
			return outage
		}
		return nil
	}
	ctx := context.Background()

	if err := f.syncer.Sync(ctx, models.Job{ID: "job-0"}, constituentsPayload(models.SyncFull)); err != nil {
		t.Fatalf("page 1: %v", err)
	}
	next, _ := f.jobs.pop()
	np := next.payload.(jobtypes.SyncPayload)
	err := f.syncer.Sync(ctx, models.Job{ID: next.id}, np)
	if !errors.Is(err, outage) {
		t.Fatalf("expected upstream error to propagate, got %v", err)
	}
	st := f.status(t, models.EntityConstituents)
	if st.LastSyncSuccess || st.LastSyncError == nil || !st.InProgress {
		t.Fatalf("failure not recorded: %+v", st)
	}

	f.legacy.OnSearch = nil
	if err := f.syncer.Sync(ctx, models.Job{ID: next.id}, np); err != nil {
		t.Fatalf("retry: %v", err)
	}
	next, _ = f.jobs.pop()
	if err := f.syncer.Sync(ctx, models.Job{ID: next.id}, next.payload.(jobtypes.SyncPayload)); err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if st := f.status(t, models.EntityConstituents); st.RecordsSynced != 237 || !st.LastSyncSuccess {
		t.Fatalf("retry did not complete the run: %+v", st)
	}
}

func TestCasesLinkMirroredConstituents(t *testing.T) {
	f := newFixture()
	ext := models.ExternalID(7)
	owner := f.repos.Constituents.Put(models.Constituent{ID: "c-7", OfficeID: office, ExternalID: &ext})
	f.legacy.Cases = []legacy.Record{
		{"id": float64(70), "summary": "Pothole on Mill Lane", "constituentId": float64(7)},
		{"id": float64(71), "summary": "Visa delay", "constituentId": float64(8)},
	}

	p := jobtypes.SyncPayload{OfficeID: office, Entity: models.EntityCases, Mode: models.SyncFull}
	if err := f.run(t, "job-0", p); err != nil {
		t.Fatalf("sync: %v", err)
	}
	linked, err := f.repos.Cases.FindByExternalID(context.Background(), office, 70)
	if err != nil || linked.ConstituentID == nil || *linked.ConstituentID != owner.ID {
		t.Fatalf("case 70 not linked: %+v %v", linked, err)
	}
	unlinked, err := f.repos.Cases.FindByExternalID(context.Background(), office, 71)
	if err != nil || unlinked.ConstituentID != nil {
		t.Fatalf("case 71 should be created unlinked: %+v %v", unlinked, err)
	}
}

func TestEmailSyncUsesDateRange(t *testing.T) {
	f := newFixture()
	f.legacy.Inbox = []legacy.Record{{"id": float64(500), "subject": "Hello", "from": "a@example.org"}}

	p := jobtypes.SyncPayload{OfficeID: office, Entity: models.EntityEmails, Mode: models.SyncFull}
	if err := f.run(t, "job-0", p); err != nil {
		t.Fatalf("sync: %v", err)
	}
	q := f.legacy.Searches[models.EntityEmails][0]
	if q.DateFrom == nil || !q.DateFrom.Equal(fullSyncFloor) || q.DateTo == nil {
		t.Fatalf("full inbox sync should use the epoch floor: %+v", q)
	}
	if f.repos.Emails.Len(office) != 1 {
		t.Fatalf("email not mirrored")
	}
}

func TestReferenceDataSyncsEveryKind(t *testing.T) {
	f := newFixture()
	f.legacy.Reference[models.RefCaseTypes] = []legacy.Record{{"id": float64(1), "name": "Housing"}, {"id": float64(2), "name": "Immigration"}}
	f.legacy.Reference[models.RefCaseworkers] = []legacy.Record{{"id": float64(9), "name": "Sam", "active": false}}

	p := jobtypes.SyncPayload{OfficeID: office, Entity: models.EntityReferenceData, Mode: models.SyncFull}
	if err := f.run(t, "job-0", p); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n := f.repos.Reference.Len(office); n != 3 {
		t.Fatalf("expected 3 reference rows, got %d", n)
	}
	for _, op := range []string{"GetCaseTypes", "GetStatusTypes", "GetCategoryTypes", "GetContactTypes", "GetCaseworkers"} {
		if f.legacy.Calls(op) != 1 {
			t.Fatalf("%s called %d times", op, f.legacy.Calls(op))
		}
	}
	if st := f.status(t, models.EntityReferenceData); st.InProgress || st.RecordsSynced != 3 {
		t.Fatalf("reference sync not complete: %+v", st)
	}
}

func TestSyncAllFansOutReferenceFirst(t *testing.T) {
	f := newFixture()
	if err := f.syncer.SyncAll(context.Background(), models.Job{ID: "all"}, jobtypes.SyncAllPayload{OfficeID: office, Mode: models.SyncFull}); err != nil {
		t.Fatalf("sync all: %v", err)
	}
	want := []jobtypes.Name{jobtypes.SyncReferenceData, jobtypes.SyncConstituents, jobtypes.SyncCases, jobtypes.SyncEmails}
	if len(f.jobs.all) != len(want) {
		t.Fatalf("expected %d submissions, got %d", len(want), len(f.jobs.all))
	}
	for i, name := range want {
		sub := f.jobs.all[i]
		if sub.name != name || sub.key != jobtypes.SingletonKey(office, name) {
			t.Fatalf("submission %d: got %s key %q", i, sub.name, sub.key)
		}
	}
	if f.legacy.TotalCalls() != 0 {
		t.Fatalf("fan-out must not call the legacy API")
	}

	// A second fan-out while the first is queued is rejected by the singleton keys.
	if err := f.syncer.SyncAll(context.Background(), models.Job{ID: "again"}, jobtypes.SyncAllPayload{OfficeID: office}); err != nil {
		t.Fatalf("sync all again: %v", err)
	}
	if len(f.jobs.all) != len(want) {
		t.Fatalf("duplicate fan-out queued more jobs")
	}
}

func TestInvalidOfficeIsPermanent(t *testing.T) {
	f := newFixture()
	err := f.syncer.Sync(context.Background(), models.Job{ID: "x"}, jobtypes.SyncPayload{OfficeID: "nope", Entity: models.EntityCases})
	if !jobs.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
