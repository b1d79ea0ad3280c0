package models

import (
	"fmt"
	"time"
)

// EntityType names a class of shadow-store record.
type EntityType string

const (
	EntityConstituents  EntityType = "constituents"
	EntityCases         EntityType = "cases"
	EntityEmails        EntityType = "emails"
	EntityReferenceData EntityType = "reference_data"
	EntityCaseNotes     EntityType = "case_notes"
)

// SyncEntities lists the entity types the sync pipeline mirrors, reference data
// first because cases and constituents refer to it.
var SyncEntities = []EntityType{EntityReferenceData, EntityConstituents, EntityCases, EntityEmails}

// ParseSyncEntity validates an entity type accepted by the sync pipeline.
func ParseSyncEntity(s string) (EntityType, error) {
	for _, e := range SyncEntities {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown sync entity %q", s)
}

// Constituent is a person known to an office.
type Constituent struct {
	ID         InternalID  `json:"id"`
	OfficeID   OfficeID    `json:"office_id"`
	ExternalID *ExternalID `json:"external_id,omitempty"`
	Title      string      `json:"title"`
	FirstName  string      `json:"first_name"`
	LastName   string      `json:"last_name"`
	Email      string      `json:"email"`
	Phone      string      `json:"phone"`
	Postcode   string      `json:"postcode"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// FullName joins the populated name parts.
func (c Constituent) FullName() string {
	name := c.FirstName
	if c.LastName != "" {
		if name != "" {
			name += " "
		}
		name += c.LastName
	}
	return name
}

// ConstituentFields is a partial constituent. Nil fields are left untouched on update.
type ConstituentFields struct {
	Title     *string
	FirstName *string
	LastName  *string
	Email     *string
	Phone     *string
	Postcode  *string
}

// Apply copies the present fields onto c.
func (f ConstituentFields) Apply(c *Constituent) {
	setString(&c.Title, f.Title)
	setString(&c.FirstName, f.FirstName)
	setString(&c.LastName, f.LastName)
	setString(&c.Email, f.Email)
	setString(&c.Phone, f.Phone)
	setString(&c.Postcode, f.Postcode)
}

// Case is a piece of casework opened for a constituent.
type Case struct {
	ID             InternalID  `json:"id"`
	OfficeID       OfficeID    `json:"office_id"`
	ExternalID     *ExternalID `json:"external_id,omitempty"`
	ConstituentID  *InternalID `json:"constituent_id,omitempty"`
	Summary        string      `json:"summary"`
	CaseTypeID     *ExternalID `json:"case_type_id,omitempty"`
	StatusID       *ExternalID `json:"status_id,omitempty"`
	CategoryID     *ExternalID `json:"category_id,omitempty"`
	AssignedToID   *ExternalID `json:"assigned_to_id,omitempty"`
	Closed         bool        `json:"closed"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// CaseFields is a partial case. Nil fields are left untouched on update.
type CaseFields struct {
	ConstituentID  *InternalID
	Summary        *string
	CaseTypeID     *ExternalID
	StatusID       *ExternalID
	CategoryID     *ExternalID
	AssignedToID   *ExternalID
	Closed         *bool
	LastActivityAt *time.Time
}

// Apply copies the present fields onto c.
func (f CaseFields) Apply(c *Case) {
	if f.ConstituentID != nil {
		id := *f.ConstituentID
		c.ConstituentID = &id
	}
	setString(&c.Summary, f.Summary)
	setExternal(&c.CaseTypeID, f.CaseTypeID)
	setExternal(&c.StatusID, f.StatusID)
	setExternal(&c.CategoryID, f.CategoryID)
	setExternal(&c.AssignedToID, f.AssignedToID)
	if f.Closed != nil {
		c.Closed = *f.Closed
	}
	if f.LastActivityAt != nil {
		c.LastActivityAt = *f.LastActivityAt
	}
}

// Email is an inbound or draft message.
type Email struct {
	ID            InternalID  `json:"id"`
	OfficeID      OfficeID    `json:"office_id"`
	ExternalID    *ExternalID `json:"external_id,omitempty"`
	CaseID        *InternalID `json:"case_id,omitempty"`
	ConstituentID *InternalID `json:"constituent_id,omitempty"`
	Subject       string      `json:"subject"`
	Body          string      `json:"body"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	ReceivedAt    time.Time   `json:"received_at"`
	Actioned      bool        `json:"actioned"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// EmailFields is a partial email. Nil fields are left untouched on update.
type EmailFields struct {
	CaseID        *InternalID
	ConstituentID *InternalID
	Subject       *string
	Body          *string
	From          *string
	To            *string
	ReceivedAt    *time.Time
	Actioned      *bool
}

// Apply copies the present fields onto e.
func (f EmailFields) Apply(e *Email) {
	if f.CaseID != nil {
		id := *f.CaseID
		e.CaseID = &id
	}
	if f.ConstituentID != nil {
		id := *f.ConstituentID
		e.ConstituentID = &id
	}
	setString(&e.Subject, f.Subject)
	setString(&e.Body, f.Body)
	setString(&e.From, f.From)
	setString(&e.To, f.To)
	if f.ReceivedAt != nil {
		e.ReceivedAt = *f.ReceivedAt
	}
	if f.Actioned != nil {
		e.Actioned = *f.Actioned
	}
}

// CaseNote is a free-text note attached to a case.
type CaseNote struct {
	ID         InternalID  `json:"id"`
	OfficeID   OfficeID    `json:"office_id"`
	ExternalID *ExternalID `json:"external_id,omitempty"`
	CaseID     InternalID  `json:"case_id"`
	Body       string      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// ReferenceKind names one of the legacy system's lookup tables.
type ReferenceKind string

const (
	RefCaseTypes     ReferenceKind = "case_types"
	RefStatusTypes   ReferenceKind = "status_types"
	RefCategoryTypes ReferenceKind = "category_types"
	RefContactTypes  ReferenceKind = "contact_types"
	RefCaseworkers   ReferenceKind = "caseworkers"
)

// ReferenceKinds lists every lookup table mirrored by the reference-data sync.
var ReferenceKinds = []ReferenceKind{RefCaseTypes, RefStatusTypes, RefCategoryTypes, RefContactTypes, RefCaseworkers}

// ReferenceItem is a single lookup row.
type ReferenceItem struct {
	OfficeID   OfficeID      `json:"office_id"`
	Kind       ReferenceKind `json:"kind"`
	ExternalID ExternalID    `json:"external_id"`
	Name       string        `json:"name"`
	Active     bool          `json:"active"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setExternal(dst **ExternalID, v *ExternalID) {
	if v != nil {
		id := *v
		*dst = &id
	}
}
