package jobtypes

import (
	"testing"
	"time"

	"casework-pipeline/internal/models"
)

func TestEveryDeadLetterTargetIsProvisioned(t *testing.T) {
	queues := map[Name]bool{}
	for _, q := range Queues() {
		queues[q] = true
	}
	for name, d := range definitions {
		if d.Policy.DeadLetter == "" {
			continue
		}
		target, ok := Lookup(d.Policy.DeadLetter)
		if !ok || !target.Terminal {
			t.Fatalf("%s dead-letters to %s which is not a terminal queue", name, d.Policy.DeadLetter)
		}
		if !queues[d.Policy.DeadLetter] {
			t.Fatalf("%s is not provisioned", d.Policy.DeadLetter)
		}
	}
}

func TestPolicyShapes(t *testing.T) {
	for _, name := range ByFamily(FamilySync) {
		p := MustLookup(name).Policy
		if !p.RetryBackoff || p.RetryLimit < 3 {
			t.Errorf("%s: sync jobs need multi-attempt backoff, got %+v", name, p)
		}
	}
	for _, name := range ByFamily(FamilyPush) {
		p := MustLookup(name).Policy
		if !p.RetryBackoff || p.DeadLetter == "" {
			t.Errorf("%s: push jobs need backoff and a dead-letter queue, got %+v", name, p)
		}
	}
	tp := MustLookup(TriageProcessEmail).Policy
	if tp.RetryLimit > 2 || tp.ExpireIn > 5*time.Minute {
		t.Errorf("process-email should retry at most twice with a short expiry, got %+v", tp)
	}
	for _, name := range ByFamily(FamilyScheduled) {
		if MustLookup(name).Policy.SingletonWindow == 0 {
			t.Errorf("%s: scheduled jobs need a singleton window", name)
		}
	}
}

func TestByFamilyExcludesDeadLetterQueues(t *testing.T) {
	for _, f := range Families {
		for _, name := range ByFamily(f) {
			if MustLookup(name).Terminal {
				t.Fatalf("%s listed as workable", name)
			}
		}
	}
}

func TestSyncJobFor(t *testing.T) {
	for _, e := range models.SyncEntities {
		name, err := SyncJobFor(e)
		if err != nil {
			t.Fatalf("%s: %v", e, err)
		}
		if MustLookup(name).Family != FamilySync {
			t.Fatalf("%s maps to non-sync job %s", e, name)
		}
	}
	if _, err := SyncJobFor(models.EntityCaseNotes); err == nil {
		t.Fatalf("case notes are push-only")
	}
}

func TestSingletonKeyIsOfficeScoped(t *testing.T) {
	a := SingletonKey("office-a", SyncAll)
	b := SingletonKey("office-b", SyncAll)
	if a == b {
		t.Fatalf("singleton keys collide across offices")
	}
	if got := SingletonKey("o", TriageProcessEmail, "42"); got != "o:triage.process-email:42" {
		t.Fatalf("unexpected key %q", got)
	}
}
