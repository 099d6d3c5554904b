package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"techo/internal/db"
	"techo/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row changed between read and conditional write.
	ErrConflict = errors.New("concurrent modification")
)

// New builds a Repo over an open connection.
func New(conn db.Conn) Repo {
	return Repo{DB: conn.DB, Dialect: conn.Dialect}
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type runner struct {
	q Querier
	d db.Dialect
}

// on picks the transaction when present and rebinds placeholders for the dialect.
func (r Repo) on(tx *sql.Tx) runner {
	if tx != nil {
		return runner{q: tx, d: r.Dialect}
	}
	return runner{q: r.DB, d: r.Dialect}
}

func (x runner) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return x.q.ExecContext(ctx, x.d.Rebind(query), args...)
}

func (x runner) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return x.q.QueryContext(ctx, x.d.Rebind(query), args...)
}

func (x runner) row(ctx context.Context, query string, args ...any) *sql.Row {
	return x.q.QueryRowContext(ctx, x.d.Rebind(query), args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(s rowScanner) (domain.Actor, error) {
	var a domain.Actor
	err := s.Scan(&a.ID, &a.Name, &a.RawRole, &a.Role, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO actors(id,name,raw_role,role,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.Name, a.RawRole, a.Role, a.CreatedAt)
	return err
}

// UpdateActorRole rewrites the stored label and canonical role.
func (r Repo) UpdateActorRole(ctx context.Context, tx *sql.Tx, id, rawRole, role string) error {
	res, err := r.on(tx).exec(ctx, `UPDATE actors SET raw_role=?, role=? WHERE id=?`, rawRole, role, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return r.GetActorTx(ctx, nil, id)
}

func (r Repo) GetActorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	return scanActor(r.on(tx).row(ctx, `SELECT id,name,raw_role,role,created_at FROM actors WHERE id=?`, id))
}

// ListActors returns actors ordered by name, optionally restricted to the given roles.
func (r Repo) ListActors(ctx context.Context, roles ...string) ([]domain.Actor, error) {
	query := `SELECT id,name,raw_role,role,created_at FROM actors`
	var args []any
	if len(roles) > 0 {
		query += ` WHERE role IN (` + placeholders(len(roles)) + `)`
		for _, role := range roles {
			args = append(args, role)
		}
	}
	query += ` ORDER BY name ASC, id ASC`
	rows, err := r.on(nil).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanProject(s rowScanner) (domain.Project, error) {
	var p domain.Project
	var address sql.NullString
	var lat, lng sql.NullFloat64
	err := s.Scan(&p.ID, &p.Name, &address, &lat, &lng, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Address = address.String
	p.Latitude = floatPtr(lat)
	p.Longitude = floatPtr(lng)
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO projects(id,name,address,latitude,longitude,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Address), nullableFloatPtr(p.Latitude), nullableFloatPtr(p.Longitude), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.on(nil).row(ctx, `SELECT id,name,address,latitude,longitude,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.on(nil).query(ctx, `SELECT id,name,address,latitude,longitude,created_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const unitColumns = `id,project_id,beneficiary_id,address,latitude,longitude,handover_at,created_at`

func scanUnit(s rowScanner) (domain.HousingUnit, error) {
	var u domain.HousingUnit
	var beneficiary, address, handover sql.NullString
	var lat, lng sql.NullFloat64
	err := s.Scan(&u.ID, &u.ProjectID, &beneficiary, &address, &lat, &lng, &handover, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.BeneficiaryID = stringPtr(beneficiary)
	u.Address = address.String
	u.Latitude = floatPtr(lat)
	u.Longitude = floatPtr(lng)
	u.HandoverAt = stringPtr(handover)
	return u, nil
}

func (r Repo) InsertHousingUnit(ctx context.Context, tx *sql.Tx, u domain.HousingUnit) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO housing_units(`+unitColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.ProjectID, nullableStringPtr(u.BeneficiaryID), nullable(u.Address),
		nullableFloatPtr(u.Latitude), nullableFloatPtr(u.Longitude), nullableStringPtr(u.HandoverAt), u.CreatedAt)
	return err
}

func (r Repo) GetHousingUnit(ctx context.Context, id string) (domain.HousingUnit, error) {
	return r.GetHousingUnitTx(ctx, nil, id)
}

func (r Repo) GetHousingUnitTx(ctx context.Context, tx *sql.Tx, id string) (domain.HousingUnit, error) {
	return scanUnit(r.on(tx).row(ctx, `SELECT `+unitColumns+` FROM housing_units WHERE id=?`, id))
}

// ListHousingUnits filters by project and/or beneficiary when non-empty.
func (r Repo) ListHousingUnits(ctx context.Context, projectID, beneficiaryID string) ([]domain.HousingUnit, error) {
	var clauses []string
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if beneficiaryID != "" {
		clauses = append(clauses, "beneficiary_id=?")
		args = append(args, beneficiaryID)
	}
	query := `SELECT ` + unitColumns + ` FROM housing_units`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.on(nil).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HousingUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetUnitBeneficiary(ctx context.Context, tx *sql.Tx, unitID string, beneficiaryID *string) error {
	res, err := r.on(tx).exec(ctx, `UPDATE housing_units SET beneficiary_id=? WHERE id=?`, nullableStringPtr(beneficiaryID), unitID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

// rowsAffectedOrConflict turns a zero-row conditional update into ErrConflict.
func rowsAffectedOrConflict(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return nil
}
