package legacy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"casework-pipeline/internal/models"
)

// Record is one legacy object as decoded from JSON.
type Record map[string]any

// Has reports whether key is present, even with a null value.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// ID returns the record's own external id.
func (r Record) ID() (models.ExternalID, error) {
	id := r.ExternalRef("id")
	if id == nil {
		return 0, fmt.Errorf("%w: record has no usable id", models.ErrInvalidExternalID)
	}
	return *id, nil
}

// String returns a present string field, or nil.
func (r Record) String(key string) *string {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = fmt.Sprint(t)
	}
	return &s
}

// ExternalRef returns a present, valid external id field, or nil.
func (r Record) ExternalRef(key string) *models.ExternalID {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	var n int64
	switch t := v.(type) {
	case float64:
		if t != float64(int64(t)) {
			return nil
		}
		n = int64(t)
	case int:
		n = int64(t)
	case int64:
		n = t
	case models.ExternalID:
		n = t.Int64()
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return nil
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	id, err := models.NewExternalID(n)
	if err != nil {
		return nil
	}
	return &id
}

// Bool returns a present boolean field, or nil.
func (r Record) Bool(key string) *bool {
	v, ok := r[key].(bool)
	if !ok {
		return nil
	}
	return &v
}

// Time returns a present RFC 3339 or date-only field, or nil.
func (r Record) Time(key string) *time.Time {
	s := r.String(key)
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	return nil
}

// ConstituentFields maps a legacy constituent onto shadow fields. Absent keys
// stay nil so an update never blanks existing data.
func ConstituentFields(r Record) models.ConstituentFields {
	return models.ConstituentFields{
		Title:     r.String("title"),
		FirstName: r.String("firstName"),
		LastName:  r.String("lastName"),
		Email:     r.String("email"),
		Phone:     r.String("phone"),
		Postcode:  r.String("postcode"),
	}
}

// CaseFields maps a legacy case. The constituent reference is returned
// separately because the caller resolves it to an internal id.
func CaseFields(r Record) (models.CaseFields, *models.ExternalID) {
	return models.CaseFields{
		Summary:        r.String("summary"),
		CaseTypeID:     r.ExternalRef("caseTypeId"),
		StatusID:       r.ExternalRef("statusId"),
		CategoryID:     r.ExternalRef("categoryId"),
		AssignedToID:   r.ExternalRef("assignedToId"),
		Closed:         r.Bool("closed"),
		LastActivityAt: r.Time("lastActivity"),
	}, r.ExternalRef("constituentId")
}

// EmailFields maps a legacy inbox item and returns its case and constituent references.
func EmailFields(r Record) (f models.EmailFields, caseRef, constituentRef *models.ExternalID) {
	return models.EmailFields{
		Subject:    r.String("subject"),
		Body:       r.String("body"),
		From:       r.String("from"),
		To:         r.String("to"),
		ReceivedAt: r.Time("receivedAt"),
		Actioned:   r.Bool("actioned"),
	}, r.ExternalRef("caseId"), r.ExternalRef("constituentId")
}

// ReferenceItem maps a lookup row. Rows without an explicit active flag are active.
func ReferenceItem(office models.OfficeID, kind models.ReferenceKind, r Record) (models.ReferenceItem, error) {
	id, err := r.ID()
	if err != nil {
		return models.ReferenceItem{}, err
	}
	item := models.ReferenceItem{OfficeID: office, Kind: kind, ExternalID: id, Active: true}
	if name := r.String("name"); name != nil {
		item.Name = *name
	}
	if active := r.Bool("active"); active != nil {
		item.Active = *active
	}
	return item, nil
}

// ConstituentRecord is the legacy create/update body for a constituent.
func ConstituentRecord(c models.Constituent) Record {
	return Record{
		"title":     c.Title,
		"firstName": c.FirstName,
		"lastName":  c.LastName,
		"email":     c.Email,
		"phone":     c.Phone,
		"postcode":  c.Postcode,
	}
}

// CaseRecord is the legacy create/update body for a case.
func CaseRecord(c models.Case, constituent *models.ExternalID) Record {
	r := Record{"summary": c.Summary, "closed": c.Closed}
	putRef(r, "constituentId", constituent)
	putRef(r, "caseTypeId", c.CaseTypeID)
	putRef(r, "statusId", c.StatusID)
	putRef(r, "categoryId", c.CategoryID)
	putRef(r, "assignedToId", c.AssignedToID)
	return r
}

// EmailRecord is the legacy body for a draft email.
func EmailRecord(e models.Email, caseRef, constituent *models.ExternalID) Record {
	r := Record{"subject": e.Subject, "body": e.Body, "to": e.To, "from": e.From}
	putRef(r, "caseId", caseRef)
	putRef(r, "constituentId", constituent)
	return r
}

// Overlay copies data over r, letting a push carry explicit field changes.
func (r Record) Overlay(data map[string]any) Record {
	for k, v := range data {
		r[k] = v
	}
	return r
}

func putRef(r Record, key string, id *models.ExternalID) {
	if id != nil {
		r[key] = id.Int64()
	}
}
