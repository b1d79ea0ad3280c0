// Package jobtypes is the closed set of job names the pipeline submits and
// consumes, with the retry policy each one runs under. Handlers never set their
// own retry behaviour; the policy here is copied onto every submitted job.
package jobtypes

import (
	"fmt"
	"sort"
	"time"

	"casework-pipeline/internal/models"
)

// Name identifies a job type and the queue it is delivered through.
type Name string

const (
	SyncAll           Name = "sync.all"
	SyncConstituents  Name = "sync.constituents"
	SyncCases         Name = "sync.cases"
	SyncEmails        Name = "sync.emails"
	SyncReferenceData Name = "sync.reference-data"

	PushConstituent Name = "push.constituent"
	PushCase        Name = "push.case"
	PushEmail       Name = "push.email"
	PushCaseNote    Name = "push.case-note"

	TriageProcessEmail   Name = "triage.process-email"
	TriageSubmitDecision Name = "triage.submit-decision"
	TriageBatchPrefetch  Name = "triage.batch-prefetch"

	ScheduledPollLegacy Name = "scheduled.poll-legacy"
	ScheduledSyncOffice Name = "scheduled.sync-office"
	ScheduledCleanup    Name = "scheduled.cleanup"

	MaintenanceAuditRetention Name = "maintenance.audit-retention"
	MaintenanceQueueHealth    Name = "maintenance.queue-health"

	PushDeadLetter   Name = "push.dead-letter"
	TriageDeadLetter Name = "triage.dead-letter"
)

// Family groups job types that share a worker pool and a policy shape.
type Family string

const (
	FamilySync        Family = "sync"
	FamilyPush        Family = "push"
	FamilyTriage      Family = "triage"
	FamilyScheduled   Family = "scheduled"
	FamilyMaintenance Family = "maintenance"
)

// Families lists every family that runs handlers.
var Families = []Family{FamilySync, FamilyPush, FamilyTriage, FamilyScheduled, FamilyMaintenance}

// Policy is the retry and expiry behaviour of a job type.
type Policy struct {
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	// ExpireIn bounds a single execution; an unacknowledged lease older than this
	// is returned to the queue.
	ExpireIn time.Duration
	// SingletonWindow, when set, keeps a singleton key reserved for the whole
	// window even after the job finishes.
	SingletonWindow time.Duration
	DeadLetter      Name
	Priority        int
}

// Definition describes one registered job type.
type Definition struct {
	Name   Name
	Family Family
	Policy Policy
	// Terminal marks dead-letter queues: provisioned and submitted to, never worked.
	Terminal bool
}

var syncPolicy = Policy{RetryLimit: 5, RetryDelay: 30 * time.Second, RetryBackoff: true, ExpireIn: 15 * time.Minute}

var pushPolicy = Policy{RetryLimit: 5, RetryDelay: time.Minute, RetryBackoff: true, ExpireIn: 10 * time.Minute, DeadLetter: PushDeadLetter}

var definitions = map[Name]Definition{
	SyncAll:           {Name: SyncAll, Family: FamilySync, Policy: Policy{RetryLimit: 3, RetryDelay: 10 * time.Second, RetryBackoff: true, ExpireIn: time.Minute}},
	SyncConstituents:  {Name: SyncConstituents, Family: FamilySync, Policy: syncPolicy},
	SyncCases:         {Name: SyncCases, Family: FamilySync, Policy: syncPolicy},
	SyncEmails:        {Name: SyncEmails, Family: FamilySync, Policy: syncPolicy},
	SyncReferenceData: {Name: SyncReferenceData, Family: FamilySync, Policy: syncPolicy},

	PushConstituent: {Name: PushConstituent, Family: FamilyPush, Policy: pushPolicy},
	PushCase:        {Name: PushCase, Family: FamilyPush, Policy: pushPolicy},
	PushEmail:       {Name: PushEmail, Family: FamilyPush, Policy: pushPolicy},
	PushCaseNote:    {Name: PushCaseNote, Family: FamilyPush, Policy: pushPolicy},

	// Stale suggestions are useless, so process-email gives up quickly.
	TriageProcessEmail:   {Name: TriageProcessEmail, Family: FamilyTriage, Policy: Policy{RetryLimit: 1, RetryDelay: 5 * time.Second, ExpireIn: 2 * time.Minute, Priority: 10}},
	TriageSubmitDecision: {Name: TriageSubmitDecision, Family: FamilyTriage, Policy: Policy{RetryLimit: 3, RetryDelay: 10 * time.Second, RetryBackoff: true, ExpireIn: 5 * time.Minute, DeadLetter: TriageDeadLetter, Priority: 20}},
	TriageBatchPrefetch:  {Name: TriageBatchPrefetch, Family: FamilyTriage, Policy: Policy{RetryLimit: 1, RetryDelay: 5 * time.Second, ExpireIn: time.Minute}},

	ScheduledPollLegacy: {Name: ScheduledPollLegacy, Family: FamilyScheduled, Policy: Policy{RetryLimit: 2, RetryDelay: 30 * time.Second, ExpireIn: 5 * time.Minute, SingletonWindow: time.Minute}},
	ScheduledSyncOffice: {Name: ScheduledSyncOffice, Family: FamilyScheduled, Policy: Policy{RetryLimit: 2, RetryDelay: time.Minute, ExpireIn: 5 * time.Minute, SingletonWindow: time.Hour}},
	ScheduledCleanup:    {Name: ScheduledCleanup, Family: FamilyScheduled, Policy: Policy{RetryLimit: 2, RetryDelay: 5 * time.Minute, ExpireIn: 30 * time.Minute, SingletonWindow: time.Hour}},

	MaintenanceAuditRetention: {Name: MaintenanceAuditRetention, Family: FamilyMaintenance, Policy: Policy{RetryLimit: 2, RetryDelay: 5 * time.Minute, ExpireIn: 30 * time.Minute, SingletonWindow: time.Hour}},
	MaintenanceQueueHealth:    {Name: MaintenanceQueueHealth, Family: FamilyMaintenance, Policy: Policy{ExpireIn: time.Minute, SingletonWindow: 30 * time.Second}},

	PushDeadLetter:   {Name: PushDeadLetter, Terminal: true},
	TriageDeadLetter: {Name: TriageDeadLetter, Terminal: true},
}

// Lookup returns the definition registered under name.
func Lookup(name Name) (Definition, bool) {
	d, ok := definitions[name]
	return d, ok
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name Name) Definition {
	d, ok := definitions[name]
	if !ok {
		panic(fmt.Sprintf("jobtypes: unregistered job %q", name))
	}
	return d
}

// Queues returns every queue that must be provisioned before first use, sorted.
func Queues() []Name {
	out := make([]Name, 0, len(definitions))
	for name := range definitions {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ByFamily returns the workable job types of a family, sorted.
func ByFamily(f Family) []Name {
	var out []Name
	for name, d := range definitions {
		if d.Family == f && !d.Terminal {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SyncJobFor maps a sync entity to the job that mirrors it.
func SyncJobFor(entity models.EntityType) (Name, error) {
	switch entity {
	case models.EntityConstituents:
		return SyncConstituents, nil
	case models.EntityCases:
		return SyncCases, nil
	case models.EntityEmails:
		return SyncEmails, nil
	case models.EntityReferenceData:
		return SyncReferenceData, nil
	}
	return "", fmt.Errorf("no sync job for entity %q", entity)
}

// PushJobFor maps a pushable entity to its job.
func PushJobFor(entity models.EntityType) (Name, error) {
	switch entity {
	case models.EntityConstituents:
		return PushConstituent, nil
	case models.EntityCases:
		return PushCase, nil
	case models.EntityEmails:
		return PushEmail, nil
	case models.EntityCaseNotes:
		return PushCaseNote, nil
	}
	return "", fmt.Errorf("no push job for entity %q", entity)
}

// SingletonKey scopes a job's uniqueness to one office.
func SingletonKey(office models.OfficeID, name Name, parts ...string) string {
	key := string(office) + ":" + string(name)
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
