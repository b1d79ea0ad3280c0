// Package jobstest provides an in-memory job store for tests that need a real
// jobs.Client without Postgres.
package jobstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"casework-pipeline/internal/models"
)

type lock struct {
	jobID   string
	expires time.Time
	release bool
}

// MemStore satisfies jobs.Store.
type MemStore struct {
	mu        sync.Mutex
	queues    map[string]bool
	jobs      map[string]models.Job
	locks     map[string]lock
	schedules map[string]models.Schedule
}

func NewMemStore() *MemStore {
	return &MemStore{
		queues:    make(map[string]bool),
		jobs:      make(map[string]models.Job),
		locks:     make(map[string]lock),
		schedules: make(map[string]models.Schedule),
	}
}

func (s *MemStore) EnsureQueue(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[name] = true
	return nil
}

func (s *MemStore) ListQueues(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queues))
	for q := range s.queues {
		out = append(out, q)
	}
	sort.Strings(out)
	return out, nil
}

// DropQueue forgets a provisioned queue.
func (s *MemStore) DropQueue(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, name)
}

func (s *MemStore) InsertJob(_ context.Context, job models.Job, l *models.SingletonLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l != nil {
		if held, ok := s.locks[l.Key]; ok && held.expires.After(job.CreatedAt) {
			return false, nil
		}
		s.locks[l.Key] = lock{jobID: job.ID, expires: l.ExpiresAt, release: l.ReleaseOnFinish}
	}
	s.jobs[job.ID] = job
	return true, nil
}

func (s *MemStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}
	return job, nil
}

func (s *MemStore) MarkActive(_ context.Context, id string, at time.Time) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false, models.ErrJobNotFound
	}
	if job.State != models.StateCreated {
		return job, false, nil
	}
	job.State = models.StateActive
	job.Attempts++
	job.StartedAt = &at
	job.UpdatedAt = at
	s.jobs[id] = job
	return job, true, nil
}

func (s *MemStore) Complete(_ context.Context, id string, at time.Time) error {
	s.finish(id, models.StateCompleted, nil, at)
	return nil
}

func (s *MemStore) Retry(_ context.Context, id string, startAfter time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State != models.StateActive {
		return nil
	}
	job.State = models.StateCreated
	job.StartAfter = startAfter
	job.LastError = &lastErr
	s.jobs[id] = job
	return nil
}

func (s *MemStore) FailTerminal(_ context.Context, id string, state models.JobState, lastErr string, at time.Time) error {
	s.finish(id, state, &lastErr, at)
	return nil
}

func (s *MemStore) finish(id string, state models.JobState, lastErr *string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return
	}
	if state == models.StateCompleted && job.State != models.StateActive {
		return
	}
	job.State = state
	job.CompletedAt = &at
	job.UpdatedAt = at
	if lastErr != nil {
		job.LastError = lastErr
	}
	s.jobs[id] = job
	s.releaseLocked(id)
}

func (s *MemStore) releaseLocked(id string) {
	for key, l := range s.locks {
		if l.jobID == id && l.release {
			delete(s.locks, key)
		}
	}
}

func (s *MemStore) Cancel(_ context.Context, id string, at time.Time) (models.Job, error) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}
	s.finish(id, models.StateCancelled, nil, at)
	return s.GetJob(context.Background(), id)
}

func (s *MemStore) Resume(_ context.Context, id string, startAfter time.Time) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}
	switch job.State {
	case models.StateCancelled, models.StateFailed, models.StateExpired:
	default:
		return models.Job{}, models.ErrJobNotResumable
	}
	job.State = models.StateCreated
	job.Attempts = 0
	job.StartAfter = startAfter
	job.CompletedAt = nil
	job.UpdatedAt = startAfter
	s.jobs[id] = job
	return job, nil
}

func (s *MemStore) CountQueued(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.Name == name && job.State == models.StateCreated {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) DeleteQueued(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, job := range s.jobs {
		if job.Name == name && job.State == models.StateCreated {
			s.releaseLocked(id)
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ListJobs(_ context.Context, name string, limit int) ([]models.Job, error) {
	out := s.Jobs(name)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListDeliverable(_ context.Context, before time.Time, afterID string, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.State == models.StateCreated && !job.StartAfter.After(before) &&
			job.UpdatedAt.Before(before) && job.ID > afterID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Jobs returns every job of a queue in submission order.
func (s *MemStore) Jobs(name string) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.Name == name {
			out = append(out, job)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemStore) UpsertSchedule(_ context.Context, sc models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.Name+"/"+sc.Key] = sc
	return nil
}

func (s *MemStore) DeleteSchedule(_ context.Context, name, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.schedules[name+"/"+key]
	delete(s.schedules, name+"/"+key)
	return ok, nil
}

func (s *MemStore) ListSchedules(context.Context) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name+out[i].Key < out[j].Name+out[j].Key })
	return out, nil
}
