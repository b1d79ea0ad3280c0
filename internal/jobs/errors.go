package jobs

import (
	"errors"

	"casework-pipeline/internal/models"
)

var (
	// ErrQueueNotProvisioned is a configuration fault: the name was never
	// created in the store. It is surfaced to the caller and never retried.
	ErrQueueNotProvisioned = errors.New("queue not provisioned")
	ErrNotStarted          = errors.New("job client not started")
	ErrUnknownJob          = errors.New("unknown job type")
	ErrJobNotFound         = models.ErrJobNotFound
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying. The job goes straight
// to its terminal state and, when its policy names one, the dead-letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
