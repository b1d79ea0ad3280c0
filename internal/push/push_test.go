package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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

func newPusher() (*Pusher, *legacytest.Fake, *shadowtest.Repos) {
	fake := legacytest.New()
	repos := shadowtest.New()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return New(fake, repos.Repositories(), Config{Now: func() time.Time { return now }}), fake, repos
}

func payload(entity models.EntityType, id models.InternalID, op jobtypes.PushOperation) jobtypes.PushPayload {
	return jobtypes.PushPayload{OfficeID: office, Entity: entity, EntityID: id, Operation: op}
}

func outcomes(r *shadowtest.Repos) string { return fmt.Sprint(r.Audit.Outcomes()) }

func TestCreateConstituentWritesBackExternalID(t *testing.T) {
	p, fake, repos := newPusher()
	repos.Constituents.Put(models.Constituent{ID: "c-1", OfficeID: office, FirstName: "Ann", LastName: "Smith", Email: "ann@example.org"})

	pl := payload(models.EntityConstituents, "c-1", jobtypes.PushCreate)
	pl.Data = map[string]any{"postcode": "AB1 2CD"}
	if err := p.Push(context.Background(), models.Job{ID: "j1"}, pl); err != nil {
		t.Fatalf("push: %v", err)
	}

	c, _ := repos.Constituents.Get(context.Background(), office, "c-1")
	if c.ExternalID == nil || *c.ExternalID != 9001 {
		t.Fatalf("external id not written back: %+v", c.ExternalID)
	}
	sent := fake.Created["CreateConstituent"][0]
	if sent["firstName"] != "Ann" || sent["postcode"] != "AB1 2CD" {
		t.Fatalf("unexpected legacy body: %v", sent)
	}
	if got := outcomes(repos); got != "[attempt success]" {
		t.Fatalf("audit trail %s", got)
	}
	last := repos.Audit.Entries[1]
	if last.ExternalID == nil || *last.ExternalID != 9001 || last.JobID != "j1" || last.NewData == nil {
		t.Fatalf("success entry incomplete: %+v", last)
	}
}

func TestRedeliveredCreateIsNoop(t *testing.T) {
	p, fake, repos := newPusher()
	ext := models.ExternalID(44)
	repos.Constituents.Put(models.Constituent{ID: "c-1", OfficeID: office, ExternalID: &ext})

	if err := p.Push(context.Background(), models.Job{ID: "j1"}, payload(models.EntityConstituents, "c-1", jobtypes.PushCreate)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if fake.TotalCalls() != 0 {
		t.Fatalf("already-pushed entity must not be created again")
	}
}

func TestFailureIsAuditedAndReturned(t *testing.T) {
	p, fake, repos := newPusher()
	repos.Constituents.Put(models.Constituent{ID: "c-1", OfficeID: office})
	upstream := &legacy.Error{Op: "CreateConstituent", StatusCode: 502}
	fake.Errs["CreateConstituent"] = upstream

	err := p.Push(context.Background(), models.Job{ID: "j1", Attempts: 1}, payload(models.EntityConstituents, "c-1", jobtypes.PushCreate))
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if jobs.IsPermanent(err) {
		t.Fatalf("upstream failures are retried by the job store")
	}
	if got := outcomes(repos); got != "[attempt failure]" {
		t.Fatalf("audit trail %s", got)
	}
	if e := repos.Audit.Entries[1].Error; e == nil || *e == "" {
		t.Fatalf("failure entry missing error")
	}
}

func TestRejectedPushLogsAtErrorLevel(t *testing.T) {
	cases := []struct {
		status int
		level  string
	}{
		{status: 503, level: "level=WARN"},
		{status: 422, level: "level=ERROR"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		fake := legacytest.New()
		repos := shadowtest.New()
		repos.Constituents.Put(models.Constituent{ID: "c-1", OfficeID: office})
		fake.Errs["CreateConstituent"] = &legacy.Error{Op: "CreateConstituent", StatusCode: tc.status}
		p := New(fake, repos.Repositories(), Config{Logger: slog.New(slog.NewTextHandler(&buf, nil))})

		if err := p.Push(context.Background(), models.Job{ID: "j1", Attempts: 1}, payload(models.EntityConstituents, "c-1", jobtypes.PushCreate)); err == nil {
			t.Fatalf("status %d: expected failure", tc.status)
		}
		if !strings.Contains(buf.String(), tc.level) {
			t.Fatalf("status %d: expected %s in %q", tc.status, tc.level, buf.String())
		}
	}
}

func TestCaseRequiresPushedConstituent(t *testing.T) {
	p, fake, repos := newPusher()
	owner := models.InternalID("c-1")
	repos.Constituents.Put(models.Constituent{ID: owner, OfficeID: office})
	repos.Cases.Put(models.Case{ID: "k-1", OfficeID: office, ConstituentID: &owner, Summary: "Benefits appeal"})

	err := p.Push(context.Background(), models.Job{ID: "j1"}, payload(models.EntityCases, "k-1", jobtypes.PushCreate))
	if !errors.Is(err, ErrDependencyNotPushed) {
		t.Fatalf("expected ErrDependencyNotPushed, got %v", err)
	}
	if fake.TotalCalls() != 0 {
		t.Fatalf("no legacy call should be made before dependencies resolve")
	}
	if got := outcomes(repos); got != "[failure]" {
		t.Fatalf("audit trail %s", got)
	}
}

func TestCaseResolvesConstituentExternalID(t *testing.T) {
	p, fake, repos := newPusher()
	owner := models.InternalID("c-1")
	ownerExt := models.ExternalID(12)
	repos.Constituents.Put(models.Constituent{ID: owner, OfficeID: office, ExternalID: &ownerExt})
	repos.Cases.Put(models.Case{ID: "k-1", OfficeID: office, ConstituentID: &owner, Summary: "Benefits appeal"})

	if err := p.Push(context.Background(), models.Job{ID: "j1"}, payload(models.EntityCases, "k-1", jobtypes.PushCreate)); err != nil {
		t.Fatalf("push: %v", err)
	}
	body := fake.Created["CreateCase"][0]
	if ref := body.ExternalRef("constituentId"); ref == nil || *ref != 12 {
		t.Fatalf("case body missing constituent ref: %v", body)
	}
}

func TestUpdateNeedsExternalID(t *testing.T) {
	p, _, repos := newPusher()
	repos.Cases.Put(models.Case{ID: "k-1", OfficeID: office})

	err := p.Push(context.Background(), models.Job{ID: "j1"}, payload(models.EntityCases, "k-1", jobtypes.PushUpdate))
	if !errors.Is(err, ErrDependencyNotPushed) {
		t.Fatalf("expected ErrDependencyNotPushed, got %v", err)
	}
}

func TestUpdateCaseSendsPreviousAndNew(t *testing.T) {
	p, fake, repos := newPusher()
	ext := models.ExternalID(70)
	repos.Cases.Put(models.Case{ID: "k-1", OfficeID: office, ExternalID: &ext, Summary: "New summary"})

	pl := payload(models.EntityCases, "k-1", jobtypes.PushUpdate)
	pl.Previous = map[string]any{"summary": "Old summary"}
	if err := p.Push(context.Background(), models.Job{ID: "j1"}, pl); err != nil {
		t.Fatalf("push: %v", err)
	}
	if fake.Calls("UpdateCase") != 1 {
		t.Fatalf("expected one UpdateCase call")
	}
	if entry := repos.Audit.Entries[1]; string(entry.OldData) != `{"summary":"Old summary"}` {
		t.Fatalf("old data not audited: %s", entry.OldData)
	}
}

func TestCaseNotePushResolvesCase(t *testing.T) {
	p, fake, repos := newPusher()
	caseExt := models.ExternalID(70)
	repos.Cases.Put(models.Case{ID: "k-1", OfficeID: office, ExternalID: &caseExt})
	repos.CaseNotes.Put(models.CaseNote{ID: "n-1", OfficeID: office, CaseID: "k-1", Body: "Called the council"})

	if err := p.Push(context.Background(), models.Job{ID: "j1"}, payload(models.EntityCaseNotes, "n-1", jobtypes.PushCreate)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(fake.Notes) != 1 || fake.Notes[0] != "Called the council" {
		t.Fatalf("note not sent: %v", fake.Notes)
	}
	n, _ := repos.CaseNotes.Get(context.Background(), office, "n-1")
	if n.ExternalID == nil {
		t.Fatalf("note external id not stored")
	}

	err := p.Push(context.Background(), models.Job{ID: "j2"}, payload(models.EntityCaseNotes, "n-1", jobtypes.PushUpdate))
	if !jobs.IsPermanent(err) {
		t.Fatalf("note updates should be rejected permanently, got %v", err)
	}
}

func TestEmailPushLinksCase(t *testing.T) {
	p, fake, repos := newPusher()
	caseExt := models.ExternalID(70)
	caseID := models.InternalID("k-1")
	repos.Cases.Put(models.Case{ID: caseID, OfficeID: office, ExternalID: &caseExt})
	repos.Emails.Put(models.Email{ID: "e-1", OfficeID: office, CaseID: &caseID, Subject: "Re: your case", To: "ann@example.org"})

	if err := p.Push(context.Background(), models.Job{ID: "j1"}, payload(models.EntityEmails, "e-1", jobtypes.PushCreate)); err != nil {
		t.Fatalf("push: %v", err)
	}
	draft := fake.Created["CreateDraftEmail"][0]
	if ref := draft.ExternalRef("caseId"); ref == nil || *ref != 70 {
		t.Fatalf("draft not linked to case: %v", draft)
	}
}

func TestMissingEntityIsPermanent(t *testing.T) {
	p, _, _ := newPusher()
	err := p.Push(context.Background(), models.Job{ID: "j1"}, payload(models.EntityConstituents, "gone", jobtypes.PushCreate))
	if !jobs.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
