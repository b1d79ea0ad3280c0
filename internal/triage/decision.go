package triage

import (
	"context"
	"errors"
	"fmt"

	"casework-pipeline/internal/jobs"
	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/legacy"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/shadow"
)

// SubmitDecision is the triage.submit-decision handler. Every branch clears the
// cached suggestion once it succeeds.
func (p *Pipeline) SubmitDecision(ctx context.Context, job models.Job, pl jobtypes.DecisionPayload) error {
	if err := pl.OfficeID.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	d := pl.Decision
	if err := d.Validate(); err != nil {
		return jobs.Permanent(err)
	}
	log := p.log.With("office", pl.OfficeID, "email_id", d.EmailID, "job_id", job.ID, "action", d.Action)

	var err error
	switch d.Action {
	case models.DecisionCreateCase:
		err = p.createCase(ctx, pl.OfficeID, d)
	case models.DecisionAddToCase:
		err = p.linkEmail(ctx, pl.OfficeID, d.EmailID, *d.CaseID)
	}
	if err != nil {
		return err
	}
	if d.MarkActioned {
		if err := p.markActioned(ctx, pl.OfficeID, d.EmailID); err != nil {
			return err
		}
	}

	p.cache.Delete(pl.OfficeID, d.EmailID)
	if d.Action == models.DecisionIgnore {
		log.Info("email ignored")
	} else {
		log.Info("decision applied")
	}
	return nil
}

func (p *Pipeline) createCase(ctx context.Context, office models.OfficeID, d models.TriageDecision) error {
	var (
		constituentExt models.ExternalID
		constituentID  *models.InternalID
	)
	if d.ConstituentID != nil {
		constituentExt = *d.ConstituentID
		if c, err := p.repos.Constituents.FindByExternalID(ctx, office, constituentExt); err == nil {
			constituentID = &c.ID
		}
	} else {
		ext, id, err := p.ensureConstituent(ctx, office, d)
		if err != nil {
			return err
		}
		constituentExt, constituentID = ext, id
	}

	nc := d.Case
	body := legacy.Record{"summary": nc.Summary, "constituentId": constituentExt.Int64()}
	for key, ref := range map[string]*models.ExternalID{
		"caseTypeId":   nc.CaseTypeID,
		"statusId":     nc.StatusID,
		"categoryId":   nc.CategoryID,
		"assignedToId": nc.AssignedToID,
	} {
		if ref != nil {
			body[key] = ref.Int64()
		}
	}
	caseExt, err := p.legacy.CreateCase(ctx, office, body)
	if err != nil {
		return fmt.Errorf("create case: %w", err)
	}
	summary := nc.Summary
	now := p.now()
	if _, err := p.repos.Cases.Create(ctx, office, &caseExt, models.CaseFields{
		ConstituentID:  constituentID,
		Summary:        &summary,
		CaseTypeID:     nc.CaseTypeID,
		StatusID:       nc.StatusID,
		CategoryID:     nc.CategoryID,
		AssignedToID:   nc.AssignedToID,
		LastActivityAt: &now,
	}); err != nil {
		// The next case sync mirrors it anyway.
		p.log.Warn("mirror new case", "office", office, "external_id", caseExt, "error", err)
	}
	return p.linkEmail(ctx, office, d.EmailID, caseExt)
}

// ensureConstituent creates the decision's new constituent and its contact
// detail. A constituent already mirrored under the same address is reused, so a
// retried decision does not create a second one.
func (p *Pipeline) ensureConstituent(ctx context.Context, office models.OfficeID, d models.TriageDecision) (models.ExternalID, *models.InternalID, error) {
	nc := d.NewConstituent
	address := nc.Email
	if address == "" {
		email, err := p.loadEmail(ctx, office, d.EmailID)
		if err != nil {
			return 0, nil, err
		}
		address = email.From
	}
	if address != "" {
		existing, err := p.repos.Constituents.FindByEmail(ctx, office, address)
		if err == nil && existing.ExternalID != nil {
			return *existing.ExternalID, &existing.ID, nil
		}
		if err != nil && !errors.Is(err, shadow.ErrNotFound) {
			return 0, nil, fmt.Errorf("look up constituent: %w", err)
		}
	}

	body := legacy.Record{"title": nc.Title, "firstName": nc.FirstName, "lastName": nc.LastName}
	if address != "" {
		body["email"] = address
	}
	if nc.Phone != "" {
		body["phone"] = nc.Phone
	}
	ext, err := p.legacy.CreateConstituent(ctx, office, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create constituent: %w", err)
	}

	var internal *models.InternalID
	mirrored, err := p.repos.Constituents.Create(ctx, office, &ext, legacy.ConstituentFields(body))
	if err != nil {
		p.log.Warn("mirror new constituent", "office", office, "external_id", ext, "error", err)
	} else {
		internal = &mirrored.ID
	}

	if address != "" {
		if err := p.legacy.AddContactDetail(ctx, office, ext, d.ContactTypeID, address); err != nil {
			return 0, nil, fmt.Errorf("add contact detail: %w", err)
		}
	}
	return ext, internal, nil
}

// linkEmail attaches the email to a case in the legacy system.
func (p *Pipeline) linkEmail(ctx context.Context, office models.OfficeID, emailID, caseID models.ExternalID) error {
	if err := p.legacy.UpdateEmail(ctx, office, emailID, legacy.Record{"caseId": caseID.Int64()}); err != nil {
		return fmt.Errorf("link email to case %d: %w", caseID, err)
	}
	if e, err := p.repos.Emails.FindByExternalID(ctx, office, emailID); err == nil {
		if c, err := p.repos.Cases.FindByExternalID(ctx, office, caseID); err == nil {
			if _, err := p.repos.Emails.Update(ctx, office, e.ID, models.EmailFields{CaseID: &c.ID}); err != nil {
				p.log.Warn("mirror email link", "office", office, "email_id", emailID, "error", err)
			}
		}
	}
	return nil
}

func (p *Pipeline) markActioned(ctx context.Context, office models.OfficeID, emailID models.ExternalID) error {
	if err := p.legacy.MarkEmailActioned(ctx, office, emailID); err != nil {
		return fmt.Errorf("mark email actioned: %w", err)
	}
	if e, err := p.repos.Emails.FindByExternalID(ctx, office, emailID); err == nil {
		if err := p.repos.Emails.MarkActioned(ctx, office, e.ID); err != nil {
			p.log.Warn("mirror actioned flag", "office", office, "email_id", emailID, "error", err)
		}
	}
	return nil
}
