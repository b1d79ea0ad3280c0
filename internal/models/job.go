package models

import (
	"encoding/json"
	"errors"
	"time"
)

// JobState enumerates lifecycle states persisted in Postgres.
type JobState string

const (
	StateCreated   JobState = "created"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StateExpired   JobState = "expired"
)

// Terminal reports whether no further transitions happen without an explicit resume.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotResumable = errors.New("job is not in a resumable state")
)

// Job is a durable unit of work. The retry policy is copied from the job type
// registry at submission time so later registry changes never affect queued jobs.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	State        JobState        `json:"state"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	RetryLimit   int             `json:"retry_limit"`
	RetryDelay   time.Duration   `json:"retry_delay"`
	RetryBackoff bool            `json:"retry_backoff"`
	ExpireIn     time.Duration   `json:"expire_in"`
	DeadLetter   string          `json:"dead_letter,omitempty"`
	SingletonKey *string         `json:"singleton_key,omitempty"`
	StartAfter   time.Time       `json:"start_after"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SingletonLock rejects a second submission under the same key until it expires
// or, when ReleaseOnFinish is set, until the owning job reaches a terminal state.
type SingletonLock struct {
	Key             string
	ExpiresAt       time.Time
	ReleaseOnFinish bool
}

// Schedule is a persisted recurring submission.
type Schedule struct {
	Name      string          `json:"name"`
	Key       string          `json:"key"`
	Cron      string          `json:"cron"`
	Timezone  string          `json:"timezone"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}
