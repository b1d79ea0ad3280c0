package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"casework-pipeline/internal/models"
)

const constituentColumns = `id, office_id, external_id, title, first_name, last_name, email, phone, postcode, created_at, updated_at`

type constituentRepo struct{ pool *pgxpool.Pool }

func scanConstituent(row pgx.Row) (models.Constituent, error) {
	var c models.Constituent
	err := row.Scan(&c.ID, &c.OfficeID, &c.ExternalID, &c.Title, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Postcode, &c.CreatedAt, &c.UpdatedAt)
	return c, notFound(err)
}

func (r *constituentRepo) Get(ctx context.Context, office models.OfficeID, id models.InternalID) (models.Constituent, error) {
	return scanConstituent(r.pool.QueryRow(ctx, `SELECT `+constituentColumns+` FROM constituents WHERE office_id = $1 AND id = $2`, office, id))
}

func (r *constituentRepo) FindByExternalID(ctx context.Context, office models.OfficeID, ext models.ExternalID) (models.Constituent, error) {
	return scanConstituent(r.pool.QueryRow(ctx, `SELECT `+constituentColumns+` FROM constituents WHERE office_id = $1 AND external_id = $2`, office, ext))
}

func (r *constituentRepo) FindByEmail(ctx context.Context, office models.OfficeID, email string) (models.Constituent, error) {
	return scanConstituent(r.pool.QueryRow(ctx, `
		SELECT `+constituentColumns+` FROM constituents
		WHERE office_id = $1 AND email <> '' AND lower(email) = lower($2)
		ORDER BY updated_at DESC LIMIT 1
	`, office, email))
}

func (r *constituentRepo) Create(ctx context.Context, office models.OfficeID, ext *models.ExternalID, f models.ConstituentFields) (models.Constituent, error) {
	c, err := scanConstituent(r.pool.QueryRow(ctx, `
		INSERT INTO constituents (id, office_id, external_id, title, first_name, last_name, email, phone, postcode)
		VALUES ($1, $2, $3, COALESCE($4, ''), COALESCE($5, ''), COALESCE($6, ''), COALESCE($7, ''), COALESCE($8, ''), COALESCE($9, ''))
		RETURNING `+constituentColumns,
		models.NewInternalID(), office, ext, f.Title, f.FirstName, f.LastName, f.Email, f.Phone, f.Postcode))
	if err != nil {
		return models.Constituent{}, fmt.Errorf("insert constituent: %w", err)
	}
	return c, nil
}

func (r *constituentRepo) Update(ctx context.Context, office models.OfficeID, id models.InternalID, f models.ConstituentFields) (models.Constituent, error) {
	return scanConstituent(r.pool.QueryRow(ctx, `
		UPDATE constituents SET
			title = COALESCE($3, title),
			first_name = COALESCE($4, first_name),
			last_name = COALESCE($5, last_name),
			email = COALESCE($6, email),
			phone = COALESCE($7, phone),
			postcode = COALESCE($8, postcode),
			updated_at = NOW()
		WHERE office_id = $1 AND id = $2
		RETURNING `+constituentColumns,
		office, id, f.Title, f.FirstName, f.LastName, f.Email, f.Phone, f.Postcode))
}

func (r *constituentRepo) UpdateExternalID(ctx context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error {
	return affected(r.pool.Exec(ctx, `
		UPDATE constituents SET external_id = $3, updated_at = NOW() WHERE office_id = $1 AND id = $2
	`, office, id, ext))
}

const caseColumns = `id, office_id, external_id, constituent_id, summary, case_type_id, status_id, category_id,
	assigned_to_id, closed, last_activity_at, created_at, updated_at`

type caseRepo struct{ pool *pgxpool.Pool }

func scanCase(row pgx.Row) (models.Case, error) {
	var c models.Case
	err := row.Scan(&c.ID, &c.OfficeID, &c.ExternalID, &c.ConstituentID, &c.Summary, &c.CaseTypeID, &c.StatusID,
		&c.CategoryID, &c.AssignedToID, &c.Closed, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt)
	return c, notFound(err)
}

func (r *caseRepo) Get(ctx context.Context, office models.OfficeID, id models.InternalID) (models.Case, error) {
	return scanCase(r.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE office_id = $1 AND id = $2`, office, id))
}

func (r *caseRepo) FindByExternalID(ctx context.Context, office models.OfficeID, ext models.ExternalID) (models.Case, error) {
	return scanCase(r.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE office_id = $1 AND external_id = $2`, office, ext))
}

func (r *caseRepo) Create(ctx context.Context, office models.OfficeID, ext *models.ExternalID, f models.CaseFields) (models.Case, error) {
	c, err := scanCase(r.pool.QueryRow(ctx, `
		INSERT INTO cases (id, office_id, external_id, constituent_id, summary, case_type_id, status_id, category_id,
			assigned_to_id, closed, last_activity_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, ''), $6, $7, $8, $9, COALESCE($10, FALSE), COALESCE($11, NOW()))
		RETURNING `+caseColumns,
		models.NewInternalID(), office, ext, f.ConstituentID, f.Summary, f.CaseTypeID, f.StatusID, f.CategoryID,
		f.AssignedToID, f.Closed, f.LastActivityAt))
	if err != nil {
		return models.Case{}, fmt.Errorf("insert case: %w", err)
	}
	return c, nil
}

func (r *caseRepo) Update(ctx context.Context, office models.OfficeID, id models.InternalID, f models.CaseFields) (models.Case, error) {
	return scanCase(r.pool.QueryRow(ctx, `
		UPDATE cases SET
			constituent_id = COALESCE($3, constituent_id),
			summary = COALESCE($4, summary),
			case_type_id = COALESCE($5, case_type_id),
			status_id = COALESCE($6, status_id),
			category_id = COALESCE($7, category_id),
			assigned_to_id = COALESCE($8, assigned_to_id),
			closed = COALESCE($9, closed),
			last_activity_at = COALESCE($10, last_activity_at),
			updated_at = NOW()
		WHERE office_id = $1 AND id = $2
		RETURNING `+caseColumns,
		office, id, f.ConstituentID, f.Summary, f.CaseTypeID, f.StatusID, f.CategoryID, f.AssignedToID, f.Closed, f.LastActivityAt))
}

func (r *caseRepo) UpdateExternalID(ctx context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error {
	return affected(r.pool.Exec(ctx, `
		UPDATE cases SET external_id = $3, updated_at = NOW() WHERE office_id = $1 AND id = $2
	`, office, id, ext))
}

func (r *caseRepo) ListOpenByConstituent(ctx context.Context, office models.OfficeID, constituent models.InternalID) ([]models.Case, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE office_id = $1 AND constituent_id = $2 AND NOT closed
		ORDER BY last_activity_at DESC, id
	`, office, constituent)
	if err != nil {
		return nil, fmt.Errorf("list open cases: %w", err)
	}
	defer rows.Close()
	var out []models.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const emailColumns = `id, office_id, external_id, case_id, constituent_id, subject, body, from_address, to_address,
	received_at, actioned, created_at, updated_at`

type emailRepo struct{ pool *pgxpool.Pool }

func scanEmail(row pgx.Row) (models.Email, error) {
	var e models.Email
	err := row.Scan(&e.ID, &e.OfficeID, &e.ExternalID, &e.CaseID, &e.ConstituentID, &e.Subject, &e.Body, &e.From, &e.To,
		&e.ReceivedAt, &e.Actioned, &e.CreatedAt, &e.UpdatedAt)
	return e, notFound(err)
}

func (r *emailRepo) Get(ctx context.Context, office models.OfficeID, id models.InternalID) (models.Email, error) {
	return scanEmail(r.pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM emails WHERE office_id = $1 AND id = $2`, office, id))
}

func (r *emailRepo) FindByExternalID(ctx context.Context, office models.OfficeID, ext models.ExternalID) (models.Email, error) {
	return scanEmail(r.pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM emails WHERE office_id = $1 AND external_id = $2`, office, ext))
}

func (r *emailRepo) Create(ctx context.Context, office models.OfficeID, ext *models.ExternalID, f models.EmailFields) (models.Email, error) {
	e, err := scanEmail(r.pool.QueryRow(ctx, `
		INSERT INTO emails (id, office_id, external_id, case_id, constituent_id, subject, body, from_address, to_address,
			received_at, actioned)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, ''), COALESCE($7, ''), COALESCE($8, ''), COALESCE($9, ''),
			COALESCE($10, NOW()), COALESCE($11, FALSE))
		RETURNING `+emailColumns,
		models.NewInternalID(), office, ext, f.CaseID, f.ConstituentID, f.Subject, f.Body, f.From, f.To, f.ReceivedAt, f.Actioned))
	if err != nil {
		return models.Email{}, fmt.Errorf("insert email: %w", err)
	}
	return e, nil
}

func (r *emailRepo) Update(ctx context.Context, office models.OfficeID, id models.InternalID, f models.EmailFields) (models.Email, error) {
	return scanEmail(r.pool.QueryRow(ctx, `
		UPDATE emails SET
			case_id = COALESCE($3, case_id),
			constituent_id = COALESCE($4, constituent_id),
			subject = COALESCE($5, subject),
			body = COALESCE($6, body),
			from_address = COALESCE($7, from_address),
			to_address = COALESCE($8, to_address),
			received_at = COALESCE($9, received_at),
			actioned = COALESCE($10, actioned),
			updated_at = NOW()
		WHERE office_id = $1 AND id = $2
		RETURNING `+emailColumns,
		office, id, f.CaseID, f.ConstituentID, f.Subject, f.Body, f.From, f.To, f.ReceivedAt, f.Actioned))
}

func (r *emailRepo) UpdateExternalID(ctx context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error {
	return affected(r.pool.Exec(ctx, `
		UPDATE emails SET external_id = $3, updated_at = NOW() WHERE office_id = $1 AND id = $2
	`, office, id, ext))
}

func (r *emailRepo) MarkActioned(ctx context.Context, office models.OfficeID, id models.InternalID) error {
	return affected(r.pool.Exec(ctx, `
		UPDATE emails SET actioned = TRUE, updated_at = NOW() WHERE office_id = $1 AND id = $2
	`, office, id))
}

type caseNoteRepo struct{ pool *pgxpool.Pool }

func (r *caseNoteRepo) Get(ctx context.Context, office models.OfficeID, id models.InternalID) (models.CaseNote, error) {
	var n models.CaseNote
	err := r.pool.QueryRow(ctx, `
		SELECT id, office_id, external_id, case_id, body, created_at, updated_at
		FROM case_notes WHERE office_id = $1 AND id = $2
	`, office, id).Scan(&n.ID, &n.OfficeID, &n.ExternalID, &n.CaseID, &n.Body, &n.CreatedAt, &n.UpdatedAt)
	return n, notFound(err)
}

func (r *caseNoteRepo) UpdateExternalID(ctx context.Context, office models.OfficeID, id models.InternalID, ext models.ExternalID) error {
	return affected(r.pool.Exec(ctx, `
		UPDATE case_notes SET external_id = $3, updated_at = NOW() WHERE office_id = $1 AND id = $2
	`, office, id, ext))
}
