package repo

import (
	"context"
	"database/sql"
	"strings"

	"techo/internal/domain"
)

const incidentColumns = `id,housing_unit_id,reporter_id,description,category,priority,status,assignee_id,source_form_id,source_item_id,version,reported_at,updated_at,resolved_at,closed_at`

// IncidentFilter narrows ListIncidents. Zero values are ignored.
type IncidentFilter struct {
	Status        string
	Category      string
	Priority      string
	AssigneeID    string
	Unassigned    bool
	HousingUnitID string
	ReporterID    string
	SourceFormID  string
	Text          string
	Limit         int
	Offset        int
}

func scanIncident(s rowScanner) (domain.Incident, error) {
	var inc domain.Incident
	var category, assignee, srcForm, srcItem, resolved, closed sql.NullString
	var priority, status string
	err := s.Scan(&inc.ID, &inc.HousingUnitID, &inc.ReporterID, &inc.Description, &category, &priority, &status,
		&assignee, &srcForm, &srcItem, &inc.Version, &inc.ReportedAt, &inc.UpdatedAt, &resolved, &closed)
	if err == sql.ErrNoRows {
		return inc, ErrNotFound
	}
	if err != nil {
		return inc, err
	}
	if category.Valid {
		c := domain.Category(category.String)
		inc.Category = &c
	}
	inc.Priority = domain.Priority(priority)
	inc.Status = domain.IncidentStatus(status)
	inc.AssigneeID = stringPtr(assignee)
	inc.SourceFormID = stringPtr(srcForm)
	inc.SourceItemID = stringPtr(srcItem)
	inc.ResolvedAt = stringPtr(resolved)
	inc.ClosedAt = stringPtr(closed)
	return inc, nil
}

func categoryArg(c *domain.Category) any {
	if c == nil || *c == "" {
		return nil
	}
	return string(*c)
}

func (r Repo) InsertIncident(ctx context.Context, tx *sql.Tx, inc domain.Incident) error {
	if inc.Version == 0 {
		inc.Version = 1
	}
	_, err := r.on(tx).exec(ctx, `INSERT INTO incidents(`+incidentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inc.ID, inc.HousingUnitID, inc.ReporterID, inc.Description, categoryArg(inc.Category), string(inc.Priority), string(inc.Status),
		nullableStringPtr(inc.AssigneeID), nullableStringPtr(inc.SourceFormID), nullableStringPtr(inc.SourceItemID),
		inc.Version, inc.ReportedAt, inc.UpdatedAt, nullableStringPtr(inc.ResolvedAt), nullableStringPtr(inc.ClosedAt))
	return err
}

func (r Repo) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	return r.GetIncidentTx(ctx, nil, id)
}

func (r Repo) GetIncidentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Incident, error) {
	return scanIncident(r.on(tx).row(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id))
}

// UpdateIncident writes every mutable column, guarded by the version that was read.
// The returned incident carries the bumped version.
func (r Repo) UpdateIncident(ctx context.Context, tx *sql.Tx, inc domain.Incident) (domain.Incident, error) {
	res, err := r.on(tx).exec(ctx, `UPDATE incidents SET description=?,category=?,priority=?,status=?,assignee_id=?,updated_at=?,resolved_at=?,closed_at=?,version=version+1
WHERE id=? AND version=?`,
		inc.Description, categoryArg(inc.Category), string(inc.Priority), string(inc.Status), nullableStringPtr(inc.AssigneeID),
		inc.UpdatedAt, nullableStringPtr(inc.ResolvedAt), nullableStringPtr(inc.ClosedAt), inc.ID, inc.Version)
	if err != nil {
		return domain.Incident{}, err
	}
	if err := rowsAffectedOrConflict(res, "update incident "+inc.ID); err != nil {
		return domain.Incident{}, err
	}
	inc.Version++
	return inc, nil
}

// ListIncidents returns incidents newest first with offset pagination.
func (r Repo) ListIncidents(ctx context.Context, f IncidentFilter) ([]domain.Incident, error) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if f.Status != "" {
		add("status=?", f.Status)
	}
	if f.Category != "" {
		add("category=?", f.Category)
	}
	if f.Priority != "" {
		add("priority=?", f.Priority)
	}
	if f.AssigneeID != "" {
		add("assignee_id=?", f.AssigneeID)
	} else if f.Unassigned {
		clauses = append(clauses, "assignee_id IS NULL")
	}
	if f.HousingUnitID != "" {
		add("housing_unit_id=?", f.HousingUnitID)
	}
	if f.ReporterID != "" {
		add("reporter_id=?", f.ReporterID)
	}
	if f.SourceFormID != "" {
		add("source_form_id=?", f.SourceFormID)
	}
	if text := strings.TrimSpace(f.Text); text != "" {
		add(`LOWER(description) LIKE ? ESCAPE '\'`, "%"+strings.ToLower(escapeLike(text))+"%")
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY reported_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.on(nil).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// CountIncidentsByStatus returns how many incidents sit in each status.
func (r Repo) CountIncidentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.on(nil).query(ctx, `SELECT status, COUNT(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

// TechnicianLoad is a technician with the number of non-terminal incidents assigned to them.
type TechnicianLoad struct {
	ID     string
	Name   string
	Role   string
	Active int
}

// ListTechnicianLoads returns field and office technicians, least loaded first.
func (r Repo) ListTechnicianLoads(ctx context.Context) ([]TechnicianLoad, error) {
	rows, err := r.on(nil).query(ctx, `SELECT a.id, a.name, a.role, COUNT(i.id)
FROM actors a
LEFT JOIN incidents i ON i.assignee_id=a.id AND i.status NOT IN ('cerrada','descartada')
WHERE a.role IN ('tecnico','tecnico_campo')
GROUP BY a.id, a.name, a.role
ORDER BY COUNT(i.id) ASC, a.name ASC, a.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TechnicianLoad
	for rows.Next() {
		var t TechnicianLoad
		if err := rows.Scan(&t.ID, &t.Name, &t.Role, &t.Active); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func scanMedia(s rowScanner) (domain.Media, error) {
	var m domain.Media
	var contentType sql.NullString
	if err := s.Scan(&m.ID, &m.IncidentID, &m.Position, &m.Path, &m.URL, &contentType, &m.CreatedAt); err != nil {
		return m, err
	}
	m.ContentType = contentType.String
	return m, nil
}

// InsertMedia appends a media row at the next position for the incident.
func (r Repo) InsertMedia(ctx context.Context, tx *sql.Tx, m domain.Media) (domain.Media, error) {
	x := r.on(tx)
	var next int
	if err := x.row(ctx, `SELECT COALESCE(MAX(position),0)+1 FROM incident_media WHERE incident_id=?`, m.IncidentID).Scan(&next); err != nil {
		return domain.Media{}, err
	}
	m.Position = next
	_, err := x.exec(ctx, `INSERT INTO incident_media(id,incident_id,position,path,url,content_type,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.IncidentID, m.Position, m.Path, m.URL, nullable(m.ContentType), m.CreatedAt)
	if err != nil {
		return domain.Media{}, err
	}
	return m, nil
}

func (r Repo) ListMedia(ctx context.Context, incidentID string) ([]domain.Media, error) {
	rows, err := r.on(nil).query(ctx, `SELECT id,incident_id,position,path,url,content_type,created_at FROM incident_media WHERE incident_id=? ORDER BY position ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
