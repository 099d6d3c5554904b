package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"techo/internal/domain"
)

const formColumns = `id,beneficiary_id,housing_unit_id,status,template_version,version,created_at,submitted_at,reviewed_at,reviewer_id`

const itemColumns = `id,form_id,position,code,room,label,category,ok,severity,comment,photos_json,create_incident,incident_id,updated_at`

func scanForm(s rowScanner) (domain.ChecklistForm, error) {
	var f domain.ChecklistForm
	var status string
	var submitted, reviewed, reviewer sql.NullString
	err := s.Scan(&f.ID, &f.BeneficiaryID, &f.HousingUnitID, &status, &f.TemplateVersion, &f.Version, &f.CreatedAt,
		&submitted, &reviewed, &reviewer)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Status = domain.FormStatus(status)
	f.SubmittedAt = stringPtr(submitted)
	f.ReviewedAt = stringPtr(reviewed)
	f.ReviewerID = stringPtr(reviewer)
	return f, nil
}

func scanItem(s rowScanner) (domain.ChecklistItem, error) {
	var it domain.ChecklistItem
	var category, severity, comment, incidentID sql.NullString
	var ok, create sql.NullBool
	var photos string
	err := s.Scan(&it.ID, &it.FormID, &it.Position, &it.Code, &it.Room, &it.Label, &category, &ok, &severity,
		&comment, &photos, &create, &incidentID, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	it.Category = category.String
	it.OK = boolPtr(ok)
	if severity.Valid {
		sev := domain.Severity(severity.String)
		it.Severity = &sev
	}
	it.Comment = comment.String
	it.CreateIncident = boolPtr(create)
	it.IncidentID = stringPtr(incidentID)
	it.Photos, err = decodePhotos(photos)
	if err != nil {
		return it, fmt.Errorf("item %s photos: %w", it.ID, err)
	}
	return it, nil
}

// decodePhotos accepts a JSON array or a legacy comma separated list and always yields a slice.
func decodePhotos(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return []string{}, nil
	}
	if !strings.HasPrefix(raw, "[") {
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if out == nil {
			out = []string{}
		}
		return out, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func encodePhotos(photos []string) (string, error) {
	if photos == nil {
		photos = []string{}
	}
	b, err := json.Marshal(photos)
	return string(b), err
}

func severityArg(s *domain.Severity) any {
	if s == nil || *s == "" {
		return nil
	}
	return string(*s)
}

func (r Repo) InsertForm(ctx context.Context, tx *sql.Tx, f domain.ChecklistForm) error {
	if f.Version == 0 {
		f.Version = 1
	}
	_, err := r.on(tx).exec(ctx, `INSERT INTO checklist_forms(`+formColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.BeneficiaryID, f.HousingUnitID, string(f.Status), f.TemplateVersion, f.Version, f.CreatedAt,
		nullableStringPtr(f.SubmittedAt), nullableStringPtr(f.ReviewedAt), nullableStringPtr(f.ReviewerID))
	return err
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.ChecklistItem) error {
	photos, err := encodePhotos(it.Photos)
	if err != nil {
		return err
	}
	_, err = r.on(tx).exec(ctx, `INSERT INTO checklist_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.FormID, it.Position, it.Code, it.Room, it.Label, nullable(it.Category), nullableBoolPtr(it.OK),
		severityArg(it.Severity), nullable(it.Comment), photos, nullableBoolPtr(it.CreateIncident),
		nullableStringPtr(it.IncidentID), it.UpdatedAt)
	return err
}

// GetForm loads the form with its items in template order.
func (r Repo) GetForm(ctx context.Context, id string) (domain.ChecklistForm, error) {
	return r.GetFormTx(ctx, nil, id)
}

func (r Repo) GetFormTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChecklistForm, error) {
	f, err := scanForm(r.on(tx).row(ctx, `SELECT `+formColumns+` FROM checklist_forms WHERE id=?`, id))
	if err != nil {
		return f, err
	}
	f.Items, err = r.listItems(ctx, tx, f.ID)
	return f, err
}

// FindForm returns the form a beneficiary owns for a housing unit.
func (r Repo) FindForm(ctx context.Context, tx *sql.Tx, housingUnitID, beneficiaryID string) (domain.ChecklistForm, error) {
	f, err := scanForm(r.on(tx).row(ctx, `SELECT `+formColumns+` FROM checklist_forms WHERE housing_unit_id=? AND beneficiary_id=?`,
		housingUnitID, beneficiaryID))
	if err != nil {
		return f, err
	}
	f.Items, err = r.listItems(ctx, tx, f.ID)
	return f, err
}

func (r Repo) listItems(ctx context.Context, tx *sql.Tx, formID string) ([]domain.ChecklistItem, error) {
	rows, err := r.on(tx).query(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE form_id=? ORDER BY position ASC`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []domain.ChecklistItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// FormFilter narrows ListForms. Zero values are ignored.
type FormFilter struct {
	Status        string
	BeneficiaryID string
	HousingUnitID string
	Limit         int
	Offset        int
}

// ListForms returns forms without their items, newest first.
func (r Repo) ListForms(ctx context.Context, f FormFilter) ([]domain.ChecklistForm, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.BeneficiaryID != "" {
		clauses = append(clauses, "beneficiary_id=?")
		args = append(args, f.BeneficiaryID)
	}
	if f.HousingUnitID != "" {
		clauses = append(clauses, "housing_unit_id=?")
		args = append(args, f.HousingUnitID)
	}
	query := `SELECT ` + formColumns + ` FROM checklist_forms`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.on(nil).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistForm
	for rows.Next() {
		form, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, form)
	}
	return res, rows.Err()
}

// UpdateItem writes the answer columns of one item.
func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, it domain.ChecklistItem) error {
	photos, err := encodePhotos(it.Photos)
	if err != nil {
		return err
	}
	res, err := r.on(tx).exec(ctx, `UPDATE checklist_items SET ok=?,severity=?,comment=?,photos_json=?,create_incident=?,incident_id=?,updated_at=? WHERE id=? AND form_id=?`,
		nullableBoolPtr(it.OK), severityArg(it.Severity), nullable(it.Comment), photos, nullableBoolPtr(it.CreateIncident),
		nullableStringPtr(it.IncidentID), it.UpdatedAt, it.ID, it.FormID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFormStatus moves a form to a new status, guarded by the version that was read.
func (r Repo) UpdateFormStatus(ctx context.Context, tx *sql.Tx, f domain.ChecklistForm) (domain.ChecklistForm, error) {
	res, err := r.on(tx).exec(ctx, `UPDATE checklist_forms SET status=?,submitted_at=?,reviewed_at=?,reviewer_id=?,version=version+1 WHERE id=? AND version=?`,
		string(f.Status), nullableStringPtr(f.SubmittedAt), nullableStringPtr(f.ReviewedAt), nullableStringPtr(f.ReviewerID), f.ID, f.Version)
	if err != nil {
		return domain.ChecklistForm{}, err
	}
	if err := rowsAffectedOrConflict(res, "update form "+f.ID); err != nil {
		return domain.ChecklistForm{}, err
	}
	f.Version++
	return f, nil
}

// TouchForm bumps the form version so concurrent submit/review notice item edits.
func (r Repo) TouchForm(ctx context.Context, tx *sql.Tx, id string, version int) error {
	res, err := r.on(tx).exec(ctx, `UPDATE checklist_forms SET version=version+1 WHERE id=? AND version=?`, id, version)
	if err != nil {
		return err
	}
	return rowsAffectedOrConflict(res, "touch form "+id)
}
