// Package shadowtest holds in-memory shadow repositories for tests.
package shadowtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow"
)

// New returns a fresh set of in-memory repositories.
func New() *Repos {
	return &Repos{
		Constituents: &Constituents{rows: map[models.InternalID]models.Constituent{}},
		Cases:        &Cases{rows: map[models.InternalID]models.Case{}},
		Emails:       &Emails{rows: map[models.InternalID]models.Email{}},
		CaseNotes:    &CaseNotes{rows: map[models.InternalID]models.CaseNote{}},
		Reference:    &Reference{rows: map[refKey]models.ReferenceItem{}},
		SyncStatus:   &SyncStatuses{rows: map[statusKey]models.SyncStatus{}},
		Audit:        &Audit{},
		Polls:        &Polls{rows: map[pollKey]models.PollStatus{}},
	}
}

// Repos exposes the concrete fakes so tests can seed and inspect them.
type Repos struct {
	Constituents *Constituents
	Cases        *Cases
	Emails       *Emails
	CaseNotes    *CaseNotes
	Reference    *Reference
	SyncStatus   *SyncStatuses
	Audit        *Audit
	Polls        *Polls
}

func (r *Repos) Repositories() shadow.Repositories {
	return shadow.Repositories{
		Constituents: r.Constituents,
		Cases:        r.Cases,
		Emails:       r.Emails,
		CaseNotes:    r.CaseNotes,
		Reference:    r.Reference,
		SyncStatus:   r.SyncStatus,
		Audit:        r.Audit,
		Polls:        r.Polls,
	}
}

func extEq(a *models.ExternalID, b models.ExternalID) bool { return a != nil && *a == b }

func failure(fail map[models.ExternalID]error, ext *models.ExternalID) error {
	if ext == nil || fail == nil {
		return nil
	}
	return fail[*ext]
}

// Constituents is an in-memory ConstituentRepository.
type Constituents struct {
	mu   sync.Mutex
	rows map[models.InternalID]models.Constituent
	// Fail makes writes for the given external ids return the mapped error.
	Fail map[models.ExternalID]error
}

func (r *Constituents) Put(c models.Constituent) models.Constituent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = models.NewInternalID()
	}
	r.rows[c.ID] = c
	return c
}

func (r *Constituents) Len(office models.OfficeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.rows {
		if c.OfficeID == office {
			n++
		}
	}
	return n
}

func (r *Constituents) Get(_ context.Context, office models.OfficeID, id models.InternalID) (models.Constituent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.OfficeID != office {
		return models.Constituent{}, shadow.ErrNotFound
	}
	return c, nil
}

func (r *Constituents) FindByExternalID(_ context.Context, office models.OfficeID, ext models.ExternalID) (models.Constituent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.OfficeID == office && extEq(c.ExternalID, ext) {
			return c, nil
		}
	}
	return models.Constituent{}, shadow.ErrNotFound
}

func (r *Constituents) FindByEmail(_ context.Context, office models.OfficeID, email string) (models.Constituent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.OfficeID == office && c.Email != "" && strings.EqualFold(c.Email, email) {
			return c, nil
		}
	}
	return models.Constituent{}, shadow.ErrNotFound
}

func (r *Constituents) Create(_ context.Context, office models.OfficeID, ext *models.ExternalID, f models.ConstituentFields) (models.Constituent, error) {
	if err := failure(r.Fail, ext); err != nil {
		return models.Constituent{}, err
	}
	now := time.Now()
	c := models.Constituent{ID: models.NewInternalID(), OfficeID: office, ExternalID: ext, CreatedAt: now, UpdatedAt: now}
	f.Apply(&c)
	return r.Put(c), nil
}

func (r *Constituents) Update(_ context.Context, office models.OfficeID, id models.InternalID, f models.ConstituentFields) (models.Constituent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.OfficeID != office {
		return models.Constituent{}, shadow.ErrNotFound
	}
	if err := failure(r.Fail, c.ExternalID); err != nil {
		return models.Constituent{}, err
	}
	f.Apply(&c)
	c.UpdatedAt = time.Now()
	r.rows[id] = c
	return c, nil
}

func (r *Constituents) UpdateExternalID(_ context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.OfficeID != office {
		return shadow.ErrNotFound
	}
	c.ExternalID = &ext
	r.rows[id] = c
	return nil
}

// Cases is an in-memory CaseRepository.
type Cases struct {
	mu   sync.Mutex
	rows map[models.InternalID]models.Case
	Fail map[models.ExternalID]error
}

func (r *Cases) Put(c models.Case) models.Case {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = models.NewInternalID()
	}
	r.rows[c.ID] = c
	return c
}

func (r *Cases) Len(office models.OfficeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.rows {
		if c.OfficeID == office {
			n++
		}
	}
	return n
}

func (r *Cases) Get(_ context.Context, office models.OfficeID, id models.InternalID) (models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.OfficeID != office {
		return models.Case{}, shadow.ErrNotFound
	}
	return c, nil
}

func (r *Cases) FindByExternalID(_ context.Context, office models.OfficeID, ext models.ExternalID) (models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.OfficeID == office && extEq(c.ExternalID, ext) {
			return c, nil
		}
	}
	return models.Case{}, shadow.ErrNotFound
}

func (r *Cases) Create(_ context.Context, office models.OfficeID, ext *models.ExternalID, f models.CaseFields) (models.Case, error) {
	if err := failure(r.Fail, ext); err != nil {
		return models.Case{}, err
	}
	now := time.Now()
	c := models.Case{ID: models.NewInternalID(), OfficeID: office, ExternalID: ext, CreatedAt: now, UpdatedAt: now}
	f.Apply(&c)
	return r.Put(c), nil
}

func (r *Cases) Update(_ context.Context, office models.OfficeID, id models.InternalID, f models.CaseFields) (models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.OfficeID != office {
		return models.Case{}, shadow.ErrNotFound
	}
	if err := failure(r.Fail, c.ExternalID); err != nil {
		return models.Case{}, err
	}
	f.Apply(&c)
	c.UpdatedAt = time.Now()
	r.rows[id] = c
	return c, nil
}

func (r *Cases) UpdateExternalID(_ context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.OfficeID != office {
		return shadow.ErrNotFound
	}
	c.ExternalID = &ext
	r.rows[id] = c
	return nil
}

func (r *Cases) ListOpenByConstituent(_ context.Context, office models.OfficeID, constituent models.InternalID) ([]models.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Case
	for _, c := range r.rows {
		if c.OfficeID == office && !c.Closed && c.ConstituentID != nil && *c.ConstituentID == constituent {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// Emails is an in-memory EmailRepository.
type Emails struct {
	mu       sync.Mutex
	rows     map[models.InternalID]models.Email
	Fail     map[models.ExternalID]error
	Actioned []models.InternalID
}

func (r *Emails) Put(e models.Email) models.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = models.NewInternalID()
	}
	r.rows[e.ID] = e
	return e
}

func (r *Emails) Len(office models.OfficeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.rows {
		if e.OfficeID == office {
			n++
		}
	}
	return n
}

func (r *Emails) Get(_ context.Context, office models.OfficeID, id models.InternalID) (models.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.OfficeID != office {
		return models.Email{}, shadow.ErrNotFound
	}
	return e, nil
}

func (r *Emails) FindByExternalID(_ context.Context, office models.OfficeID, ext models.ExternalID) (models.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.rows {
		if e.OfficeID == office && extEq(e.ExternalID, ext) {
			return e, nil
		}
	}
	return models.Email{}, shadow.ErrNotFound
}

func (r *Emails) Create(_ context.Context, office models.OfficeID, ext *models.ExternalID, f models.EmailFields) (models.Email, error) {
	if err := failure(r.Fail, ext); err != nil {
		return models.Email{}, err
	}
	now := time.Now()
	e := models.Email{ID: models.NewInternalID(), OfficeID: office, ExternalID: ext, CreatedAt: now, UpdatedAt: now}
	f.Apply(&e)
	return r.Put(e), nil
}

func (r *Emails) Update(_ context.Context, office models.OfficeID, id models.InternalID, f models.EmailFields) (models.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.OfficeID != office {
		return models.Email{}, shadow.ErrNotFound
	}
	if err := failure(r.Fail, e.ExternalID); err != nil {
		return models.Email{}, err
	}
	f.Apply(&e)
	e.UpdatedAt = time.Now()
	r.rows[id] = e
	return e, nil
}

func (r *Emails) UpdateExternalID(_ context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.OfficeID != office {
		return shadow.ErrNotFound
	}
	e.ExternalID = &ext
	r.rows[id] = e
	return nil
}

func (r *Emails) MarkActioned(_ context.Context, office models.OfficeID, id models.InternalID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.OfficeID != office {
		return shadow.ErrNotFound
	}
	e.Actioned = true
	r.rows[id] = e
	r.Actioned = append(r.Actioned, id)
	return nil
}

// CaseNotes is an in-memory CaseNoteRepository.
type CaseNotes struct {
	mu   sync.Mutex
	rows map[models.InternalID]models.CaseNote
}

func (r *CaseNotes) Put(n models.CaseNote) models.CaseNote {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == "" {
		n.ID = models.NewInternalID()
	}
	r.rows[n.ID] = n
	return n
}

func (r *CaseNotes) Get(_ context.Context, office models.OfficeID, id models.InternalID) (models.CaseNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.OfficeID != office {
		return models.CaseNote{}, shadow.ErrNotFound
	}
	return n, nil
}

func (r *CaseNotes) UpdateExternalID(_ context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.OfficeID != office {
		return shadow.ErrNotFound
	}
	n.ExternalID = &ext
	r.rows[id] = n
	return nil
}

type refKey struct {
	office models.OfficeID
	kind   models.ReferenceKind
	ext    models.ExternalID
}

// Reference is an in-memory ReferenceRepository.
type Reference struct {
	mu   sync.Mutex
	rows map[refKey]models.ReferenceItem
}

func (r *Reference) Upsert(_ context.Context, item models.ReferenceItem) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := refKey{item.OfficeID, item.Kind, item.ExternalID}
	_, existed := r.rows[k]
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}
	r.rows[k] = item
	return !existed, nil
}

func (r *Reference) ListActive(_ context.Context, office models.OfficeID, kind models.ReferenceKind) ([]models.ReferenceItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ReferenceItem
	for k, item := range r.rows {
		if k.office == office && k.kind == kind && item.Active {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (r *Reference) DeleteStale(_ context.Context, office models.OfficeID, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, item := range r.rows {
		if k.office == office && item.UpdatedAt.Before(before) {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

func (r *Reference) Len(office models.OfficeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.rows {
		if k.office == office {
			n++
		}
	}
	return n
}

type statusKey struct {
	office models.OfficeID
	entity models.EntityType
}

// SyncStatuses is an in-memory SyncStatusRepository. History keeps every
// saved snapshot in order.
type SyncStatuses struct {
	mu      sync.Mutex
	rows    map[statusKey]models.SyncStatus
	History []models.SyncStatus
}

func (r *SyncStatuses) Get(_ context.Context, office models.OfficeID, entity models.EntityType) (models.SyncStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[statusKey{office, entity}]
	if !ok {
		return models.SyncStatus{}, shadow.ErrNotFound
	}
	return s, nil
}

func (r *SyncStatuses) Save(_ context.Context, s models.SyncStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := statusKey{s.OfficeID, s.EntityType}
	s.Cancelled = r.rows[k].Cancelled
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	r.rows[k] = s
	r.History = append(r.History, s)
	return nil
}

func (r *SyncStatuses) SetCancelled(_ context.Context, office models.OfficeID, entity models.EntityType, cancelled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := statusKey{office, entity}
	s, ok := r.rows[k]
	if !ok {
		s = models.SyncStatus{OfficeID: office, EntityType: entity, UpdatedAt: time.Now()}
	}
	s.Cancelled = cancelled
	r.rows[k] = s
	return nil
}

func (r *SyncStatuses) DeleteOlderThan(_ context.Context, office models.OfficeID, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, s := range r.rows {
		if k.office == office && s.UpdatedAt.Before(before) {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

// Audit is an in-memory AuditLogRepository.
type Audit struct {
	mu      sync.Mutex
	Entries []models.AuditLogEntry
}

func (r *Audit) Append(_ context.Context, e models.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = int64(len(r.Entries) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.Entries = append(r.Entries, e)
	return nil
}

func (r *Audit) ListOlderThan(_ context.Context, office models.OfficeID, before time.Time) ([]models.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditLogEntry
	for _, e := range r.Entries {
		if e.OfficeID == office && e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Audit) DeleteOlderThan(_ context.Context, office models.OfficeID, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.Entries[:0]
	var n int64
	for _, e := range r.Entries {
		if e.OfficeID == office && e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.Entries = kept
	return n, nil
}

// Outcomes lists the outcome of every entry, oldest first.
func (r *Audit) Outcomes() []models.AuditOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AuditOutcome, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.Outcome
	}
	return out
}

type pollKey struct {
	office models.OfficeID
	poll   models.PollType
}

// Polls is an in-memory PollStatusRepository.
type Polls struct {
	mu   sync.Mutex
	rows map[pollKey]models.PollStatus
}

func (r *Polls) Get(_ context.Context, office models.OfficeID, pollType models.PollType) (models.PollStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[pollKey{office, pollType}]
	if !ok {
		return models.PollStatus{}, shadow.ErrNotFound
	}
	return s, nil
}

func (r *Polls) Save(_ context.Context, s models.PollStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[pollKey{s.OfficeID, s.PollType}] = s
	return nil
}
