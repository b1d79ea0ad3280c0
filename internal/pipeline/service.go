package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/triagecache"
)

// ErrSyncUnavailable is returned by CancelSync when the service was built
// without a sync status repository.
var ErrSyncUnavailable = errors.New("sync cancellation unavailable")

// Jobs is the part of *jobs.Client the facade submits through.
type Jobs interface {
	Send(ctx context.Context, name jobtypes.Name, payload any, opts jobs.SendOptions) (string, error)
	GetQueueSize(ctx context.Context, name jobtypes.Name) (int64, error)
}

// SyncCanceller flags a running sync to stop before its next page.
// *syncer.Syncer satisfies it.
type SyncCanceller interface {
	RequestCancel(ctx context.Context, office models.OfficeID, entity models.EntityType) error
}

// Submission is the outcome of a facade call. AlreadyScheduled means a live
// job with the same singleton key absorbed the request; it is not an error.
type Submission struct {
	JobID            string `json:"job_id,omitempty"`
	AlreadyScheduled bool   `json:"already_scheduled"`
}

func submission(id string) Submission {
	return Submission{JobID: id, AlreadyScheduled: id == ""}
}

// Service is the submission facade used by the operator CLI and any HTTP
// layer. It validates input, picks singleton keys and never runs handlers.
type Service struct {
	jobs   Jobs
	cache  *triagecache.Cache
	cancel SyncCanceller
	log    *slog.Logger
}

// NewService builds the facade. cache and cancel may be nil in processes that
// only submit; the matching methods then report nothing cached or
// ErrSyncUnavailable.
func NewService(j Jobs, cache *triagecache.Cache, cancel SyncCanceller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: j, cache: cache, cancel: cancel, log: logger.With("component", "pipeline")}
}

func (s *Service) send(ctx context.Context, name jobtypes.Name, payload any, key string) (Submission, error) {
	id, err := s.jobs.Send(ctx, name, payload, jobs.SendOptions{SingletonKey: key})
	if err != nil {
		return Submission{}, fmt.Errorf("submit %s: %w", name, err)
	}
	sub := submission(id)
	s.log.Debug("submitted", "job", name, "job_id", id, "already_scheduled", sub.AlreadyScheduled)
	return sub, nil
}

// ScheduleSyncAll fans out a sync of every entity for an office.
func (s *Service) ScheduleSyncAll(ctx context.Context, office models.OfficeID, mode models.SyncMode) (Submission, error) {
	if err := office.Validate(); err != nil {
		return Submission{}, err
	}
	if mode == "" {
		mode = models.SyncFull
	}
	return s.send(ctx, jobtypes.SyncAll, jobtypes.SyncAllPayload{OfficeID: office, Mode: mode},
		jobtypes.SingletonKey(office, jobtypes.SyncAll))
}

// ScheduleIncrementalSync syncs one entity changed since the given time, or
// since the last completed sync when since is nil.
func (s *Service) ScheduleIncrementalSync(ctx context.Context, office models.OfficeID, entity models.EntityType, since *time.Time) (Submission, error) {
	if err := office.Validate(); err != nil {
		return Submission{}, err
	}
	name, err := jobtypes.SyncJobFor(entity)
	if err != nil {
		return Submission{}, err
	}
	payload := jobtypes.SyncPayload{OfficeID: office, Entity: entity, Mode: models.SyncIncremental, ModifiedSince: since}
	return s.send(ctx, name, payload, jobtypes.SingletonKey(office, name))
}

// SchedulePoll asks the poller to look for legacy changes now instead of at
// the next cron tick. Repeated requests collapse while one is pending.
func (s *Service) SchedulePoll(ctx context.Context, office models.OfficeID, pollType models.PollType) (Submission, error) {
	if err := office.Validate(); err != nil {
		return Submission{}, err
	}
	switch pollType {
	case "":
		pollType = models.PollAll
	case models.PollAll, models.PollNewEmails, models.PollModifiedCases, models.PollModifiedConstituents:
	default:
		return Submission{}, fmt.Errorf("unknown poll type %q", pollType)
	}
	payload := jobtypes.PollPayload{OfficeID: office, PollType: pollType}
	return s.send(ctx, jobtypes.ScheduledPollLegacy, payload, jobtypes.SingletonKey(office, jobtypes.ScheduledPollLegacy, string(pollType)))
}

// ScheduleEmailProcessing triages one email. A forced run skips the cache and
// is never collapsed onto a pending one.
func (s *Service) ScheduleEmailProcessing(ctx context.Context, office models.OfficeID, email models.ExternalID, force bool) (Submission, error) {
	if err := office.Validate(); err != nil {
		return Submission{}, err
	}
	key := jobtypes.SingletonKey(office, jobtypes.TriageProcessEmail, email.String())
	if force {
		key = ""
	}
	payload := jobtypes.ProcessEmailPayload{OfficeID: office, EmailID: email, Force: force}
	return s.send(ctx, jobtypes.TriageProcessEmail, payload, key)
}

// SubmitTriageDecision queues a caseworker's decision. Only one decision per
// email may be pending.
func (s *Service) SubmitTriageDecision(ctx context.Context, office models.OfficeID, d models.TriageDecision) (Submission, error) {
	if err := office.Validate(); err != nil {
		return Submission{}, err
	}
	if err := d.Validate(); err != nil {
		return Submission{}, err
	}
	key := jobtypes.SingletonKey(office, jobtypes.TriageSubmitDecision, d.EmailID.String())
	return s.send(ctx, jobtypes.TriageSubmitDecision, jobtypes.DecisionPayload{OfficeID: office, Decision: d}, key)
}

// ScheduleBatchPrefetch warms the cache for the head of an inbox listing.
func (s *Service) ScheduleBatchPrefetch(ctx context.Context, office models.OfficeID, emails []models.ExternalID, ahead int) (Submission, error) {
	if err := office.Validate(); err != nil {
		return Submission{}, err
	}
	if len(emails) == 0 {
		return Submission{}, errors.New("no email ids to prefetch")
	}
	payload := jobtypes.BatchPrefetchPayload{OfficeID: office, EmailIDs: emails, PrefetchAhead: ahead}
	return s.send(ctx, jobtypes.TriageBatchPrefetch, payload, "")
}

// SchedulePush pushes a shadow-store entity to the legacy system.
func (s *Service) SchedulePush(ctx context.Context, p jobtypes.PushPayload) (Submission, error) {
	if err := p.OfficeID.Validate(); err != nil {
		return Submission{}, err
	}
	name, err := jobtypes.PushJobFor(p.Entity)
	if err != nil {
		return Submission{}, err
	}
	switch p.Operation {
	case jobtypes.PushCreate, jobtypes.PushUpdate:
	default:
		return Submission{}, fmt.Errorf("unknown push operation %q", p.Operation)
	}
	return s.send(ctx, name, p, "")
}

// CancelSync asks a running sync to stop before its next page.
func (s *Service) CancelSync(ctx context.Context, office models.OfficeID, entity models.EntityType) error {
	if s.cancel == nil {
		return ErrSyncUnavailable
	}
	if err := office.Validate(); err != nil {
		return err
	}
	if _, err := jobtypes.SyncJobFor(entity); err != nil {
		return err
	}
	return s.cancel.RequestCancel(ctx, office, entity)
}

// QueueSizes reports the waiting jobs of every queue.
func (s *Service) QueueSizes(ctx context.Context) (map[jobtypes.Name]int64, error) {
	out := make(map[jobtypes.Name]int64)
	for _, name := range jobtypes.Queues() {
		n, err := s.jobs.GetQueueSize(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("size %s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

// CachedTriage returns an already processed email without touching the queue.
func (s *Service) CachedTriage(office models.OfficeID, email models.ExternalID) (models.TriageResult, bool) {
	if s.cache == nil {
		return models.TriageResult{}, false
	}
	return s.cache.Get(office, email)
}

// ParseEmailIDs converts CLI or query-string ids.
func ParseEmailIDs(raw []string) ([]models.ExternalID, error) {
	out := make([]models.ExternalID, 0, len(raw))
	for _, r := range raw {
		id, err := models.ParseExternalID(r)
		if err != nil {
			return nil, fmt.Errorf("email id %s: %w", strconv.Quote(r), err)
		}
		out = append(out, id)
	}
	return out, nil
}
