package syncer

import (
	"context"
	"errors"
	"fmt"

	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow"
)

type pageResult struct {
	created int
	updated int
	errors  map[models.ExternalID]error
	// unkeyed counts records that failed before an id could be read.
	unkeyed int
}

func (r *pageResult) failed() int { return len(r.errors) + r.unkeyed }

func (r *pageResult) fail(id models.ExternalID, err error) {
	if r.errors == nil {
		r.errors = map[models.ExternalID]error{}
	}
	r.errors[id] = err
}

func (r *pageResult) count(created bool) {
	if created {
		r.created++
	} else {
		r.updated++
	}
}

// runPage fetches and applies one page. fetched is the number of records the
// legacy API returned, which decides whether another page follows.
func (s *Syncer) runPage(ctx context.Context, office models.OfficeID, entity models.EntityType, page int, cp checkpoint) (pageResult, int, error) {
	if entity == models.EntityReferenceData {
		return s.syncReference(ctx, office)
	}

	q := legacy.SearchQuery{Page: page, Limit: s.cfg.BatchSize}
	var (
		records []legacy.Record
		err     error
	)
	switch entity {
	case models.EntityConstituents:
		q.ModifiedAfter = cp.Watermark
		records, err = s.legacy.SearchConstituents(ctx, office, q)
	case models.EntityCases:
		q.ModifiedAfter = cp.Watermark
		records, err = s.legacy.SearchCases(ctx, office, q)
	case models.EntityEmails:
		from := fullSyncFloor
		if cp.Watermark != nil {
			from = *cp.Watermark
		}
		to := cp.RunStartedAt
		q.DateFrom, q.DateTo = &from, &to
		records, err = s.legacy.SearchInbox(ctx, office, q)
	default:
		return pageResult{}, 0, fmt.Errorf("unsupported sync entity %q", entity)
	}
	if err != nil {
		return pageResult{}, 0, err
	}

	var res pageResult
	for i, r := range records {
		id, err := r.ID()
		if err != nil {
			s.log.Warn("record without usable id", "office", office, "entity", entity, "page", page, "index", i, "error", err)
			res.unkeyed++
			continue
		}
		created, err := s.applyRecord(ctx, office, entity, id, r)
		if err != nil {
			s.log.Warn("record sync failed", "office", office, "entity", entity, "external_id", id, "error", err)
			res.fail(id, err)
			continue
		}
		res.count(created)
	}
	s.metrics.SyncRecord(string(entity), "created", res.created)
	s.metrics.SyncRecord(string(entity), "updated", res.updated)
	s.metrics.SyncRecord(string(entity), "failed", res.failed())
	return res, len(records), nil
}

func (s *Syncer) applyRecord(ctx context.Context, office models.OfficeID, entity models.EntityType, id models.ExternalID, r legacy.Record) (bool, error) {
	switch entity {
	case models.EntityConstituents:
		return s.upsertConstituent(ctx, office, id, r)
	case models.EntityCases:
		return s.upsertCase(ctx, office, id, r)
	case models.EntityEmails:
		return s.upsertEmail(ctx, office, id, r)
	}
	return false, fmt.Errorf("unsupported sync entity %q", entity)
}

func (s *Syncer) upsertConstituent(ctx context.Context, office models.OfficeID, id models.ExternalID, r legacy.Record) (bool, error) {
	fields := legacy.ConstituentFields(r)
	existing, err := s.repos.Constituents.FindByExternalID(ctx, office, id)
	switch {
	case err == nil:
		_, err = s.repos.Constituents.Update(ctx, office, existing.ID, fields)
		return false, err
	case errors.Is(err, shadow.ErrNotFound):
		_, err = s.repos.Constituents.Create(ctx, office, &id, fields)
		return true, err
	}
	return false, err
}

func (s *Syncer) upsertCase(ctx context.Context, office models.OfficeID, id models.ExternalID, r legacy.Record) (bool, error) {
	fields, constituentRef := legacy.CaseFields(r)
	if constituentRef != nil {
		internal, err := s.constituentID(ctx, office, *constituentRef)
		if err != nil {
			return false, err
		}
		fields.ConstituentID = internal
	}
	existing, err := s.repos.Cases.FindByExternalID(ctx, office, id)
	switch {
	case err == nil:
		_, err = s.repos.Cases.Update(ctx, office, existing.ID, fields)
		return false, err
	case errors.Is(err, shadow.ErrNotFound):
		_, err = s.repos.Cases.Create(ctx, office, &id, fields)
		return true, err
	}
	return false, err
}

func (s *Syncer) upsertEmail(ctx context.Context, office models.OfficeID, id models.ExternalID, r legacy.Record) (bool, error) {
	fields, caseRef, constituentRef := legacy.EmailFields(r)
	if constituentRef != nil {
		internal, err := s.constituentID(ctx, office, *constituentRef)
		if err != nil {
			return false, err
		}
		fields.ConstituentID = internal
	}
	if caseRef != nil {
		c, err := s.repos.Cases.FindByExternalID(ctx, office, *caseRef)
		switch {
		case err == nil:
			fields.CaseID = &c.ID
		case !errors.Is(err, shadow.ErrNotFound):
			return false, err
		}
	}
	existing, err := s.repos.Emails.FindByExternalID(ctx, office, id)
	switch {
	case err == nil:
		_, err = s.repos.Emails.Update(ctx, office, existing.ID, fields)
		return false, err
	case errors.Is(err, shadow.ErrNotFound):
		_, err = s.repos.Emails.Create(ctx, office, &id, fields)
		return true, err
	}
	return false, err
}

// constituentID resolves a legacy constituent reference. A constituent that is
// not mirrored yet leaves the link empty; the next sync fills it in.
func (s *Syncer) constituentID(ctx context.Context, office models.OfficeID, ext models.ExternalID) (*models.InternalID, error) {
	c, err := s.repos.Constituents.FindByExternalID(ctx, office, ext)
	if errors.Is(err, shadow.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c.ID, nil
}

// syncReference mirrors every lookup table in one go; they are small and unpaged.
func (s *Syncer) syncReference(ctx context.Context, office models.OfficeID) (pageResult, int, error) {
	var (
		res   pageResult
		total int
	)
	now := s.now()
	for _, kind := range models.ReferenceKinds {
		rows, err := legacy.Reference(ctx, s.legacy, office, kind)
		if err != nil {
			return pageResult{}, 0, fmt.Errorf("fetch %s: %w", kind, err)
		}
		total += len(rows)
		for _, r := range rows {
			item, err := legacy.ReferenceItem(office, kind, r)
			if err != nil {
				s.log.Warn("reference row unusable", "office", office, "kind", kind, "error", err)
				res.unkeyed++
				continue
			}
			item.UpdatedAt = now
			created, err := s.repos.Reference.Upsert(ctx, item)
			if err != nil {
				res.fail(item.ExternalID, fmt.Errorf("%s: %w", kind, err))
				continue
			}
			res.count(created)
		}
	}
	entity := string(models.EntityReferenceData)
	s.metrics.SyncRecord(entity, "created", res.created)
	s.metrics.SyncRecord(entity, "updated", res.updated)
	s.metrics.SyncRecord(entity, "failed", res.failed())
	return res, total, nil
}
