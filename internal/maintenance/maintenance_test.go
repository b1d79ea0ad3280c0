package maintenance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow/shadowtest"
	"casework-pipeline/internal/telemetry"
	"casework-pipeline/internal/triagecache"
)

const office = models.OfficeID("6f9619ff-8b86-d011-b42d-00c04fc964ff")

type sizes struct {
	depth map[jobtypes.Name]int64
	fail  jobtypes.Name
}

func (s sizes) GetQueueSize(_ context.Context, name jobtypes.Name) (int64, error) {
	if name == s.fail {
		return 0, errors.New("store unavailable")
	}
	return s.depth[name], nil
}

func TestAuditRetentionKeepsRecentEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	repos := shadowtest.New()
	other := models.OfficeID("0b1f6b6e-3d2c-4f55-9a36-8e8a3f7b2c11")
	_ = repos.Audit.Append(ctx, models.AuditLogEntry{OfficeID: office, CreatedAt: now.AddDate(-2, 0, 0)})
	_ = repos.Audit.Append(ctx, models.AuditLogEntry{OfficeID: office, CreatedAt: now.AddDate(0, -1, 0)})
	_ = repos.Audit.Append(ctx, models.AuditLogEntry{OfficeID: other, CreatedAt: now.AddDate(-2, 0, 0)})

	r := New(repos.Audit, sizes{}, Config{Now: func() time.Time { return now }})
	if err := r.AuditRetention(ctx, models.Job{}, jobtypes.AuditRetentionPayload{OfficeID: office}); err != nil {
		t.Fatalf("retention: %v", err)
	}
	if len(repos.Audit.Entries) != 2 {
		t.Fatalf("expected 2 entries left, got %d", len(repos.Audit.Entries))
	}
	for _, e := range repos.Audit.Entries {
		if e.OfficeID == office && e.CreatedAt.Before(now.AddDate(-1, 0, 0)) {
			t.Fatalf("old entry survived: %+v", e)
		}
	}
}

type archived struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (a *archived) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.keys = append(a.keys, key)
	a.bodies = append(a.bodies, body)
	return "mem://" + key, nil
}

func TestAuditRetentionArchivesBeforeDeleting(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	repos := shadowtest.New()
	_ = repos.Audit.Append(ctx, models.AuditLogEntry{OfficeID: office, Operation: "create", CreatedAt: now.AddDate(-3, 0, 0)})
	_ = repos.Audit.Append(ctx, models.AuditLogEntry{OfficeID: office, Operation: "update", CreatedAt: now.AddDate(-2, 0, 0)})
	_ = repos.Audit.Append(ctx, models.AuditLogEntry{OfficeID: office, Operation: "update", CreatedAt: now})

	failing := &archived{err: errors.New("bucket unavailable")}
	r := New(repos.Audit, sizes{}, Config{Archive: failing, Now: func() time.Time { return now }})
	if err := r.AuditRetention(ctx, models.Job{}, jobtypes.AuditRetentionPayload{OfficeID: office}); err == nil || jobs.IsPermanent(err) {
		t.Fatalf("expected retryable archive failure, got %v", err)
	}
	if len(repos.Audit.Entries) != 3 {
		t.Fatalf("nothing may be deleted when the archive fails, %d left", len(repos.Audit.Entries))
	}

	a := &archived{}
	r = New(repos.Audit, sizes{}, Config{Archive: a, Now: func() time.Time { return now }})
	if err := r.AuditRetention(ctx, models.Job{}, jobtypes.AuditRetentionPayload{OfficeID: office}); err != nil {
		t.Fatalf("retention: %v", err)
	}
	if len(a.keys) != 1 || a.keys[0] != "audit/"+string(office)+"/1-2.jsonl" {
		t.Fatalf("unexpected archive keys %v", a.keys)
	}
	if lines := strings.Count(string(a.bodies[0]), "\n"); lines != 2 {
		t.Fatalf("expected 2 archived lines, got %d", lines)
	}
	if len(repos.Audit.Entries) != 1 {
		t.Fatalf("expected 1 entry left, got %d", len(repos.Audit.Entries))
	}

	if err := r.AuditRetention(ctx, models.Job{}, jobtypes.AuditRetentionPayload{OfficeID: office}); err != nil || len(a.keys) != 1 {
		t.Fatalf("nothing expiring should archive nothing: keys=%v err=%v", a.keys, err)
	}
}

func TestAuditRetentionRejectsBadOffice(t *testing.T) {
	r := New(shadowtest.New().Audit, sizes{}, Config{})
	err := r.AuditRetention(context.Background(), models.Job{}, jobtypes.AuditRetentionPayload{OfficeID: "nope"})
	if !jobs.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestQueueHealthRecordsDepths(t *testing.T) {
	m := telemetry.New(prometheus.NewRegistry())
	q := sizes{depth: map[jobtypes.Name]int64{
		jobtypes.SyncCases:      4,
		jobtypes.PushDeadLetter: 2,
	}}
	r := New(shadowtest.New().Audit, q, Config{Metrics: m})

	if err := r.QueueHealth(context.Background(), models.Job{}, jobtypes.QueueHealthPayload{}); err != nil {
		t.Fatalf("queue health: %v", err)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues(string(jobtypes.SyncCases))); got != 4 {
		t.Fatalf("sync.cases depth = %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues(string(jobtypes.PushDeadLetter))); got != 2 {
		t.Fatalf("push dead-letter depth = %v", got)
	}
}

func TestQueueHealthContinuesPastFailures(t *testing.T) {
	m := telemetry.New(prometheus.NewRegistry())
	q := sizes{depth: map[jobtypes.Name]int64{jobtypes.SyncEmails: 9}, fail: jobtypes.SyncCases}
	r := New(shadowtest.New().Audit, q, Config{Metrics: m})

	if err := r.QueueHealth(context.Background(), models.Job{}, jobtypes.QueueHealthPayload{}); err == nil {
		t.Fatalf("expected the failing queue to be reported")
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues(string(jobtypes.SyncEmails))); got != 9 {
		t.Fatalf("later queues should still be sampled, got %v", got)
	}
}

func TestQueueHealthPrunesExpiredTriageResults(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cache := triagecache.New(triagecache.WithTTL(time.Hour), triagecache.WithClock(func() time.Time { return now }))
	cache.Set(models.TriageResult{OfficeID: office, EmailID: 1})
	now = now.Add(30 * time.Minute)
	cache.Set(models.TriageResult{OfficeID: office, EmailID: 2})
	now = now.Add(45 * time.Minute)

	r := New(shadowtest.New().Audit, sizes{}, Config{Cache: cache})
	if err := r.QueueHealth(context.Background(), models.Job{}, jobtypes.QueueHealthPayload{}); err != nil {
		t.Fatalf("queue health: %v", err)
	}
	if cache.Len() != 1 || !cache.Has(office, 2) {
		t.Fatalf("expected only the fresh entry to remain, len=%d", cache.Len())
	}
}
