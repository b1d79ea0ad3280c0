// Package pipeline binds the orchestrators to the job client. One table maps
// every workable job type to its handler; the facade in service.go is what
// callers outside the worker use to submit work.
package pipeline

import (
	"context"
	"fmt"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/maintenance"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/push"
	"casework-pipeline/internal/scheduled"
	"casework-pipeline/internal/syncer"
	"casework-pipeline/internal/triage"
)

// Handlers are the orchestrators that do the work.
type Handlers struct {
	Sync        *syncer.Syncer
	Push        *push.Pusher
	Triage      *triage.Pipeline
	Scheduled   *scheduled.Orchestrator
	Maintenance *maintenance.Runner
}

// Concurrency sets the worker pool size per family. Missing families run one
// worker per job type.
type Concurrency map[jobtypes.Family]int

// Worker is the part of *jobs.Client Register needs.
type Worker interface {
	Work(name jobtypes.Name, handler jobs.Handler, opts jobs.WorkOptions) error
}

// Routes is the registration table.
func Routes(h Handlers) map[jobtypes.Name]jobs.Handler {
	return map[jobtypes.Name]jobs.Handler{
		jobtypes.SyncAll:           jobs.Typed(h.Sync.SyncAll),
		jobtypes.SyncConstituents:  jobs.Typed(h.Sync.Sync),
		jobtypes.SyncCases:         jobs.Typed(h.Sync.Sync),
		jobtypes.SyncEmails:        jobs.Typed(h.Sync.Sync),
		jobtypes.SyncReferenceData: jobs.Typed(h.Sync.Sync),

		jobtypes.PushConstituent: jobs.Typed(h.Push.Push),
		jobtypes.PushCase:        jobs.Typed(h.Push.Push),
		jobtypes.PushEmail:       jobs.Typed(h.Push.Push),
		jobtypes.PushCaseNote:    jobs.Typed(h.Push.Push),

		jobtypes.TriageProcessEmail:   jobs.Typed(h.Triage.ProcessEmail),
		jobtypes.TriageSubmitDecision: jobs.Typed(h.Triage.SubmitDecision),
		jobtypes.TriageBatchPrefetch:  jobs.Typed(h.Triage.BatchPrefetch),

		jobtypes.ScheduledPollLegacy: jobs.Typed(h.Scheduled.PollLegacy),
		jobtypes.ScheduledSyncOffice: jobs.Typed(h.Scheduled.SyncOffice),
		jobtypes.ScheduledCleanup:    jobs.Typed(h.Scheduled.Cleanup),

		jobtypes.MaintenanceAuditRetention: jobs.Typed(h.Maintenance.AuditRetention),
		jobtypes.MaintenanceQueueHealth:    jobs.Typed(h.Maintenance.QueueHealth),
	}
}

// Register starts a worker pool for every workable job type. It fails if the
// table and the registry disagree, so a new job type cannot ship unhandled.
func Register(w Worker, h Handlers, conc Concurrency) error {
	routes := Routes(h)
	for _, family := range jobtypes.Families {
		for _, name := range jobtypes.ByFamily(family) {
			handler, ok := routes[name]
			if !ok {
				return fmt.Errorf("no handler for %s", name)
			}
			if err := w.Work(name, handler, jobs.WorkOptions{Concurrency: conc[family]}); err != nil {
				return fmt.Errorf("register %s: %w", name, err)
			}
		}
	}
	return nil
}

// Scheduler is the part of *jobs.Client RegisterSchedules needs.
type Scheduler interface {
	Schedule(ctx context.Context, name jobtypes.Name, expr string, payload any, opts jobs.ScheduleOptions) error
}

// ScheduleConfig holds the cron expressions for recurring work. An empty
// expression disables that schedule.
type ScheduleConfig struct {
	Offices            []models.OfficeID
	Timezone           string
	PollCron           string
	FullSyncCron       string
	CleanupCron        string
	QueueHealthCron    string
	RetentionDays      int
	AuditRetentionDays int
}

type recurring struct {
	name    jobtypes.Name
	expr    string
	payload any
}

// RegisterSchedules persists the per-office cron jobs and the global queue
// health sampler. Re-registering replaces existing schedules.
func RegisterSchedules(ctx context.Context, s Scheduler, cfg ScheduleConfig) error {
	for _, office := range cfg.Offices {
		if err := office.Validate(); err != nil {
			return err
		}
		for _, r := range []recurring{
			{jobtypes.ScheduledPollLegacy, cfg.PollCron, jobtypes.PollPayload{OfficeID: office, PollType: models.PollAll}},
			{jobtypes.ScheduledSyncOffice, cfg.FullSyncCron, jobtypes.SyncOfficePayload{OfficeID: office}},
			{jobtypes.ScheduledCleanup, cfg.CleanupCron, jobtypes.CleanupPayload{OfficeID: office, CleanupType: jobtypes.CleanupAll, OlderThanDays: cfg.RetentionDays}},
			{jobtypes.MaintenanceAuditRetention, cfg.CleanupCron, jobtypes.AuditRetentionPayload{OfficeID: office, OlderThanDays: cfg.AuditRetentionDays}},
		} {
			if r.expr == "" {
				continue
			}
			opts := jobs.ScheduleOptions{Key: string(office), Timezone: cfg.Timezone}
			if err := s.Schedule(ctx, r.name, r.expr, r.payload, opts); err != nil {
				return fmt.Errorf("schedule %s for %s: %w", r.name, office, err)
			}
		}
	}
	if cfg.QueueHealthCron != "" {
		opts := jobs.ScheduleOptions{Timezone: cfg.Timezone}
		if err := s.Schedule(ctx, jobtypes.MaintenanceQueueHealth, cfg.QueueHealthCron, jobtypes.QueueHealthPayload{}, opts); err != nil {
			return fmt.Errorf("schedule queue health: %w", err)
		}
	}
	return nil
}
