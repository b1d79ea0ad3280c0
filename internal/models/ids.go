package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidOfficeID   = errors.New("invalid office id")
	ErrInvalidExternalID = errors.New("invalid external id")
	ErrInvalidInternalID = errors.New("invalid internal id")
)

// OfficeID identifies a tenant. Every query, job and cache entry is scoped by it.
type OfficeID string

// ParseOfficeID validates a UUID-shaped office identifier and returns it in canonical form.
func ParseOfficeID(s string) (OfficeID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidOfficeID, s)
	}
	return OfficeID(u.String()), nil
}

// Validate reports whether the office id is UUID-shaped.
func (o OfficeID) Validate() error {
	if _, err := uuid.Parse(string(o)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidOfficeID, string(o))
	}
	return nil
}

func (o OfficeID) String() string { return string(o) }

// ExternalID is the legacy system's integer key for a record. It is unique only
// within an office and is never interchangeable with an InternalID.
type ExternalID int64

// NewExternalID validates v as a non-negative legacy identifier.
func NewExternalID(v int64) (ExternalID, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidExternalID, v)
	}
	return ExternalID(v), nil
}

// ParseExternalID parses a decimal legacy identifier.
func ParseExternalID(s string) (ExternalID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExternalID, s)
	}
	return NewExternalID(v)
}

func (e ExternalID) Int64() int64 { return int64(e) }

func (e ExternalID) String() string { return strconv.FormatInt(int64(e), 10) }

// ExternalIDPtr is a convenience for optional external ids.
func ExternalIDPtr(e ExternalID) *ExternalID { return &e }

// InternalID is the shadow store's own identifier for a record.
type InternalID string

// NewInternalID returns a fresh random identifier.
func NewInternalID() InternalID { return InternalID(uuid.NewString()) }

// ParseInternalID validates a UUID-shaped shadow-store identifier.
func ParseInternalID(s string) (InternalID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidInternalID, s)
	}
	return InternalID(u.String()), nil
}

func (i InternalID) String() string { return string(i) }
