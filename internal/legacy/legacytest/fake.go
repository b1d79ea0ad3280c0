// Package legacytest provides a scriptable in-memory legacy API.
package legacytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/models"
)

// Fake satisfies legacy.Client. Listings are paged from the configured
// records; every call is counted by operation name.
type Fake struct {
	mu sync.Mutex

	Constituents []legacy.Record
	Cases        []legacy.Record
	Inbox        []legacy.Record
	Emails       map[models.ExternalID]legacy.Record
	Reference    map[models.ReferenceKind][]legacy.Record
	Matches      map[string][]legacy.ConstituentMatch

	// OnSearch runs before each search and may fail it.
	OnSearch func(entity models.EntityType, q legacy.SearchQuery) error
	// Errs fails the named operation.
	Errs map[string]error

	Searches map[models.EntityType][]legacy.SearchQuery
	Created  map[string][]legacy.Record
	Updated  map[string][]legacy.Record
	Notes    []string
	Contacts []string
	Actioned []models.ExternalID

	calls  map[string]int
	nextID int64
}

func New() *Fake {
	return &Fake{
		Emails:    map[models.ExternalID]legacy.Record{},
		Reference: map[models.ReferenceKind][]legacy.Record{},
		Matches:   map[string][]legacy.ConstituentMatch{},
		Errs:      map[string]error{},
		Searches:  map[models.EntityType][]legacy.SearchQuery{},
		Created:   map[string][]legacy.Record{},
		Updated:   map[string][]legacy.Record{},
		calls:     map[string]int{},
		nextID:    9000,
	}
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls sums every counted operation.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Fake) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.Errs[op]
}

func (f *Fake) page(op string, entity models.EntityType, all []legacy.Record, q legacy.SearchQuery) ([]legacy.Record, error) {
	if err := f.enter(op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.Searches[entity] = append(f.Searches[entity], q)
	hook := f.OnSearch
	f.mu.Unlock()
	if hook != nil {
		if err := hook(entity, q); err != nil {
			return nil, err
		}
	}
	start := (q.Page - 1) * q.Limit
	if q.Page < 1 || start >= len(all) {
		return nil, nil
	}
	end := start + q.Limit
	if end > len(all) {
		end = len(all)
	}
	return append([]legacy.Record(nil), all[start:end]...), nil
}

func (f *Fake) create(op string, data legacy.Record) (models.ExternalID, error) {
	if err := f.enter(op); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.Created[op] = append(f.Created[op], data)
	return models.ExternalID(f.nextID), nil
}

func (f *Fake) update(op string, data legacy.Record) error {
	if err := f.enter(op); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updated[op] = append(f.Updated[op], data)
	return nil
}

func (f *Fake) SearchConstituents(_ context.Context, _ models.OfficeID, q legacy.SearchQuery) ([]legacy.Record, error) {
	return f.page("SearchConstituents", models.EntityConstituents, f.Constituents, q)
}

func (f *Fake) SearchCases(_ context.Context, _ models.OfficeID, q legacy.SearchQuery) ([]legacy.Record, error) {
	return f.page("SearchCases", models.EntityCases, f.Cases, q)
}

func (f *Fake) SearchInbox(_ context.Context, _ models.OfficeID, q legacy.SearchQuery) ([]legacy.Record, error) {
	return f.page("SearchInbox", models.EntityEmails, f.Inbox, q)
}

func (f *Fake) GetEmail(_ context.Context, _ models.OfficeID, id models.ExternalID) (legacy.Record, error) {
	if err := f.enter("GetEmail"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Emails[id]
	if !ok {
		return nil, &legacy.Error{Op: "get email", StatusCode: 404, Err: errNotFound}
	}
	return r, nil
}

func (f *Fake) CreateConstituent(_ context.Context, _ models.OfficeID, data legacy.Record) (models.ExternalID, error) {
	return f.create("CreateConstituent", data)
}

func (f *Fake) UpdateConstituent(_ context.Context, _ models.OfficeID, _ models.ExternalID, data legacy.Record) error {
	return f.update("UpdateConstituent", data)
}

func (f *Fake) AddContactDetail(_ context.Context, _ models.OfficeID, _ models.ExternalID, _ *models.ExternalID, value string) error {
	if err := f.enter("AddContactDetail"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Contacts = append(f.Contacts, value)
	return nil
}

func (f *Fake) CreateCase(_ context.Context, _ models.OfficeID, data legacy.Record) (models.ExternalID, error) {
	return f.create("CreateCase", data)
}

func (f *Fake) UpdateCase(_ context.Context, _ models.OfficeID, _ models.ExternalID, data legacy.Record) error {
	return f.update("UpdateCase", data)
}

func (f *Fake) CreateCaseNote(_ context.Context, _ models.OfficeID, _ models.ExternalID, body string) (models.ExternalID, error) {
	id, err := f.create("CreateCaseNote", legacy.Record{"body": body})
	if err == nil {
		f.mu.Lock()
		f.Notes = append(f.Notes, body)
		f.mu.Unlock()
	}
	return id, err
}

func (f *Fake) CreateDraftEmail(_ context.Context, _ models.OfficeID, data legacy.Record) (models.ExternalID, error) {
	return f.create("CreateDraftEmail", data)
}

func (f *Fake) UpdateEmail(_ context.Context, _ models.OfficeID, _ models.ExternalID, data legacy.Record) error {
	return f.update("UpdateEmail", data)
}

func (f *Fake) MarkEmailActioned(_ context.Context, _ models.OfficeID, id models.ExternalID) error {
	if err := f.enter("MarkEmailActioned"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Actioned = append(f.Actioned, id)
	return nil
}

func (f *Fake) FindConstituentMatches(_ context.Context, _ models.OfficeID, email string) ([]legacy.ConstituentMatch, error) {
	if err := f.enter("FindConstituentMatches"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Matches[email], nil
}

func (f *Fake) reference(op string, kind models.ReferenceKind) ([]legacy.Record, error) {
	if err := f.enter(op); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Reference[kind], nil
}

func (f *Fake) GetCaseTypes(context.Context, models.OfficeID) ([]legacy.Record, error) {
	return f.reference("GetCaseTypes", models.RefCaseTypes)
}

func (f *Fake) GetStatusTypes(context.Context, models.OfficeID) ([]legacy.Record, error) {
	return f.reference("GetStatusTypes", models.RefStatusTypes)
}

func (f *Fake) GetCategoryTypes(context.Context, models.OfficeID) ([]legacy.Record, error) {
	return f.reference("GetCategoryTypes", models.RefCategoryTypes)
}

func (f *Fake) GetContactTypes(context.Context, models.OfficeID) ([]legacy.Record, error) {
	return f.reference("GetContactTypes", models.RefContactTypes)
}

func (f *Fake) GetCaseworkers(context.Context, models.OfficeID) ([]legacy.Record, error) {
	return f.reference("GetCaseworkers", models.RefCaseworkers)
}

// Records builds n constituent-shaped records with ids starting at first.
func Records(first, n int) []legacy.Record {
	out := make([]legacy.Record, n)
	for i := range out {
		id := first + i
		out[i] = legacy.Record{
			"id":        float64(id),
			"firstName": "Person",
			"lastName":  fmt.Sprintf("Number%d", id),
			"email":     fmt.Sprintf("person%d@example.org", id),
		}
	}
	return out
}

var errNotFound = errors.New("not found")
