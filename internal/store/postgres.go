package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lmco/mcf/internal/rbac"
)

// PostgresStore is the production document store. Documents are rows keyed by
// their fully qualified composite id; open-ended metadata lands in JSONB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func marshalJSON(value any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal json field: %w", err)
	}
	return data, nil
}

func unmarshalCustom(data []byte) (map[string]any, error) {
	custom := map[string]any{}
	if len(data) == 0 {
		return custom, nil
	}
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, fmt.Errorf("unmarshal custom field: %w", err)
	}
	return custom, nil
}

func unmarshalPermissions(data []byte) (rbac.PermissionMap, error) {
	perms := rbac.PermissionMap{}
	if len(data) == 0 {
		return perms, nil
	}
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	return perms, nil
}

func unmarshalStrings(data []byte) ([]string, error) {
	values := []string{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("unmarshal string list: %w", err)
	}
	return values, nil
}

func placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// --- users ---

const userColumns = `username, fname, lname, email, password_hash, site_admin, custom,
	created_by, last_modified_by, archived_by, created_on, updated_on, archived, archived_on`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var custom []byte
	err := row.Scan(&user.Username, &user.Fname, &user.Lname, &user.Email, &user.PasswordHash,
		&user.Admin, &custom, &user.CreatedBy, &user.LastModifiedBy, &user.ArchivedBy,
		&user.CreatedOn, &user.UpdatedOn, &user.Archived, &user.ArchivedOn)
	if err != nil {
		return User{}, err
	}
	if user.Custom, err = unmarshalCustom(custom); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) FindUsers(ctx context.Context, usernames []string, includeArchived bool) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var clauses []string
	var args []any
	if len(usernames) > 0 {
		clauses = append(clauses, `username IN (`+placeholders(1, len(usernames))+`)`)
		args = stringArgs(usernames)
	}
	if !includeArchived {
		clauses = append(clauses, `archived = FALSE`)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY username`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) InsertUsers(ctx context.Context, users []User) error {
	for _, user := range users {
		custom, err := marshalJSON(user.Custom)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO users (`+userColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, user.Username, user.Fname, user.Lname, user.Email, user.PasswordHash, user.Admin,
			custom, user.CreatedBy, user.LastModifiedBy, user.ArchivedBy,
			user.CreatedOn, user.UpdatedOn, user.Archived, user.ArchivedOn)
		if err != nil {
			return fmt.Errorf("insert user %s: %w", user.Username, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user User) error {
	custom, err := marshalJSON(user.Custom)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET fname=$2, lname=$3, email=$4, password_hash=$5, site_admin=$6,
			custom=$7, last_modified_by=$8, archived_by=$9, updated_on=$10, archived=$11, archived_on=$12
		WHERE username=$1
	`, user.Username, user.Fname, user.Lname, user.Email, user.PasswordHash, user.Admin,
		custom, user.LastModifiedBy, user.ArchivedBy, user.UpdatedOn, user.Archived, user.ArchivedOn)
	if err != nil {
		return fmt.Errorf("update user %s: %w", user.Username, err)
	}
	return nil
}

func (s *PostgresStore) DeleteUsers(ctx context.Context, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM users WHERE username IN (`+placeholders(1, len(usernames))+`)`,
		stringArgs(usernames)...)
	if err != nil {
		return fmt.Errorf("delete users: %w", err)
	}
	return nil
}

// --- organizations ---

const orgColumns = `id, name, permissions, custom,
	created_by, last_modified_by, archived_by, created_on, updated_on, archived, archived_on`

func scanOrg(row interface{ Scan(...any) error }) (Org, error) {
	var org Org
	var permissions, custom []byte
	err := row.Scan(&org.ID, &org.Name, &permissions, &custom,
		&org.CreatedBy, &org.LastModifiedBy, &org.ArchivedBy,
		&org.CreatedOn, &org.UpdatedOn, &org.Archived, &org.ArchivedOn)
	if err != nil {
		return Org{}, err
	}
	if org.Permissions, err = unmarshalPermissions(permissions); err != nil {
		return Org{}, err
	}
	if org.Custom, err = unmarshalCustom(custom); err != nil {
		return Org{}, err
	}
	return org, nil
}

func (s *PostgresStore) GetOrg(ctx context.Context, id string) (Org, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM orgs WHERE id=$1`, id)
	org, err := scanOrg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Org{}, ErrNotFound
	}
	if err != nil {
		return Org{}, fmt.Errorf("get org: %w", err)
	}
	return org, nil
}

func (s *PostgresStore) FindOrgs(ctx context.Context, ids []string, includeArchived bool) ([]Org, error) {
	query := `SELECT ` + orgColumns + ` FROM orgs`
	var clauses []string
	var args []any
	if len(ids) > 0 {
		clauses = append(clauses, `id IN (`+placeholders(1, len(ids))+`)`)
		args = stringArgs(ids)
	}
	if !includeArchived {
		clauses = append(clauses, `archived = FALSE`)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find orgs: %w", err)
	}
	defer rows.Close()

	orgs := make([]Org, 0)
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, fmt.Errorf("scan org: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func (s *PostgresStore) InsertOrgs(ctx context.Context, orgs []Org) error {
	for _, org := range orgs {
		permissions, err := marshalJSON(org.Permissions)
		if err != nil {
			return err
		}
		custom, err := marshalJSON(org.Custom)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO orgs (`+orgColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, org.ID, org.Name, permissions, custom, org.CreatedBy, org.LastModifiedBy,
			org.ArchivedBy, org.CreatedOn, org.UpdatedOn, org.Archived, org.ArchivedOn)
		if err != nil {
			return fmt.Errorf("insert org %s: %w", org.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateOrg(ctx context.Context, org Org) error {
	permissions, err := marshalJSON(org.Permissions)
	if err != nil {
		return err
	}
	custom, err := marshalJSON(org.Custom)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE orgs SET name=$2, permissions=$3, custom=$4, last_modified_by=$5,
			archived_by=$6, updated_on=$7, archived=$8, archived_on=$9
		WHERE id=$1
	`, org.ID, org.Name, permissions, custom, org.LastModifiedBy,
		org.ArchivedBy, org.UpdatedOn, org.Archived, org.ArchivedOn)
	if err != nil {
		return fmt.Errorf("update org %s: %w", org.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteOrgs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM orgs WHERE id IN (`+placeholders(1, len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("delete orgs: %w", err)
	}
	return nil
}

// --- projects ---

const projectColumns = `id, org_id, name, permissions, visibility, project_references, custom,
	created_by, last_modified_by, archived_by, created_on, updated_on, archived, archived_on`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var project Project
	var permissions, references, custom []byte
	err := row.Scan(&project.ID, &project.OrgID, &project.Name, &permissions, &project.Visibility,
		&references, &custom, &project.CreatedBy, &project.LastModifiedBy, &project.ArchivedBy,
		&project.CreatedOn, &project.UpdatedOn, &project.Archived, &project.ArchivedOn)
	if err != nil {
		return Project{}, err
	}
	if project.Permissions, err = unmarshalPermissions(permissions); err != nil {
		return Project{}, err
	}
	if project.ProjectReferences, err = unmarshalStrings(references); err != nil {
		return Project{}, err
	}
	if project.Custom, err = unmarshalCustom(custom); err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) FindProjects(ctx context.Context, orgID string, ids []string, includeArchived bool) ([]Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var clauses []string
	var args []any
	if orgID != "" {
		args = append(args, orgID)
		clauses = append(clauses, fmt.Sprintf(`org_id = $%d`, len(args)))
	}
	if len(ids) > 0 {
		clauses = append(clauses, `id IN (`+placeholders(len(args)+1, len(ids))+`)`)
		args = append(args, stringArgs(ids)...)
	}
	if !includeArchived {
		clauses = append(clauses, `archived = FALSE`)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) InsertProjects(ctx context.Context, projects []Project) error {
	for _, project := range projects {
		permissions, err := marshalJSON(project.Permissions)
		if err != nil {
			return err
		}
		references, err := marshalJSON(project.ProjectReferences)
		if err != nil {
			return err
		}
		custom, err := marshalJSON(project.Custom)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO projects (`+projectColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, project.ID, project.OrgID, project.Name, permissions, project.Visibility,
			references, custom, project.CreatedBy, project.LastModifiedBy, project.ArchivedBy,
			project.CreatedOn, project.UpdatedOn, project.Archived, project.ArchivedOn)
		if err != nil {
			return fmt.Errorf("insert project %s: %w", project.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project Project) error {
	permissions, err := marshalJSON(project.Permissions)
	if err != nil {
		return err
	}
	references, err := marshalJSON(project.ProjectReferences)
	if err != nil {
		return err
	}
	custom, err := marshalJSON(project.Custom)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2, permissions=$3, visibility=$4, project_references=$5,
			custom=$6, last_modified_by=$7, archived_by=$8, updated_on=$9, archived=$10, archived_on=$11
		WHERE id=$1
	`, project.ID, project.Name, permissions, project.Visibility, references, custom,
		project.LastModifiedBy, project.ArchivedBy, project.UpdatedOn, project.Archived, project.ArchivedOn)
	if err != nil {
		return fmt.Errorf("update project %s: %w", project.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteProjects(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM projects WHERE id IN (`+placeholders(1, len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("delete projects: %w", err)
	}
	return nil
}

// --- branches ---

const branchColumns = `id, project_id, name, source, tag, custom,
	created_by, last_modified_by, archived_by, created_on, updated_on, archived, archived_on`

func scanBranch(row interface{ Scan(...any) error }) (Branch, error) {
	var branch Branch
	var custom []byte
	err := row.Scan(&branch.ID, &branch.ProjectID, &branch.Name, &branch.Source, &branch.Tag,
		&custom, &branch.CreatedBy, &branch.LastModifiedBy, &branch.ArchivedBy,
		&branch.CreatedOn, &branch.UpdatedOn, &branch.Archived, &branch.ArchivedOn)
	if err != nil {
		return Branch{}, err
	}
	if branch.Custom, err = unmarshalCustom(custom); err != nil {
		return Branch{}, err
	}
	return branch, nil
}

func (s *PostgresStore) GetBranch(ctx context.Context, id string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id=$1`, id)
	branch, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	if err != nil {
		return Branch{}, fmt.Errorf("get branch: %w", err)
	}
	return branch, nil
}

func (s *PostgresStore) FindBranches(ctx context.Context, projectID string, ids []string, includeArchived bool) ([]Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches`
	var clauses []string
	var args []any
	if projectID != "" {
		args = append(args, projectID)
		clauses = append(clauses, fmt.Sprintf(`project_id = $%d`, len(args)))
	}
	if len(ids) > 0 {
		clauses = append(clauses, `id IN (`+placeholders(len(args)+1, len(ids))+`)`)
		args = append(args, stringArgs(ids)...)
	}
	if !includeArchived {
		clauses = append(clauses, `archived = FALSE`)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find branches: %w", err)
	}
	defer rows.Close()

	branches := make([]Branch, 0)
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

func (s *PostgresStore) InsertBranches(ctx context.Context, branches []Branch) error {
	for _, branch := range branches {
		custom, err := marshalJSON(branch.Custom)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO branches (`+branchColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, branch.ID, branch.ProjectID, branch.Name, branch.Source, branch.Tag, custom,
			branch.CreatedBy, branch.LastModifiedBy, branch.ArchivedBy,
			branch.CreatedOn, branch.UpdatedOn, branch.Archived, branch.ArchivedOn)
		if err != nil {
			return fmt.Errorf("insert branch %s: %w", branch.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateBranch(ctx context.Context, branch Branch) error {
	custom, err := marshalJSON(branch.Custom)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE branches SET name=$2, tag=$3, custom=$4, last_modified_by=$5,
			archived_by=$6, updated_on=$7, archived=$8, archived_on=$9
		WHERE id=$1
	`, branch.ID, branch.Name, branch.Tag, custom, branch.LastModifiedBy,
		branch.ArchivedBy, branch.UpdatedOn, branch.Archived, branch.ArchivedOn)
	if err != nil {
		return fmt.Errorf("update branch %s: %w", branch.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteBranches(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM branches WHERE id IN (`+placeholders(1, len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("delete branches: %w", err)
	}
	return nil
}

// --- elements ---

const elementColumns = `id, branch_id, name, el_type, parent, source, target, documentation,
	uuid, custom, created_by, last_modified_by, archived_by, created_on, updated_on, archived, archived_on`

var elementSortColumns = map[string]string{
	"id":        "id",
	"name":      "name",
	"createdOn": "created_on",
	"updatedOn": "updated_on",
	"type":      "el_type",
}

func scanElement(row interface{ Scan(...any) error }) (Element, error) {
	var element Element
	var custom []byte
	err := row.Scan(&element.ID, &element.BranchID, &element.Name, &element.Type, &element.Parent,
		&element.Source, &element.Target, &element.Documentation, &element.UUID, &custom,
		&element.CreatedBy, &element.LastModifiedBy, &element.ArchivedBy,
		&element.CreatedOn, &element.UpdatedOn, &element.Archived, &element.ArchivedOn)
	if err != nil {
		return Element{}, err
	}
	if element.Custom, err = unmarshalCustom(custom); err != nil {
		return Element{}, err
	}
	return element, nil
}

func (s *PostgresStore) GetElement(ctx context.Context, id string) (Element, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+elementColumns+` FROM elements WHERE id=$1`, id)
	element, err := scanElement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Element{}, ErrNotFound
	}
	if err != nil {
		return Element{}, fmt.Errorf("get element: %w", err)
	}
	return element, nil
}

func (s *PostgresStore) FindElements(ctx context.Context, branchID string, ids []string, q ElementQuery) ([]Element, error) {
	query := `SELECT ` + elementColumns + ` FROM elements`
	var clauses []string
	var args []any
	if branchID != "" {
		args = append(args, branchID)
		clauses = append(clauses, fmt.Sprintf(`branch_id = $%d`, len(args)))
	}
	if len(ids) > 0 {
		clauses = append(clauses, `id IN (`+placeholders(len(args)+1, len(ids))+`)`)
		args = append(args, stringArgs(ids)...)
	}
	if !q.IncludeArchived {
		clauses = append(clauses, `archived = FALSE`)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}

	sortField := strings.TrimPrefix(q.Sort, "-")
	column, ok := elementSortColumns[sortField]
	if sortField == "" || !ok {
		column = "id"
	}
	direction := " ASC"
	if strings.HasPrefix(q.Sort, "-") {
		direction = " DESC"
	}
	query += ` ORDER BY ` + column + direction

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if q.Skip > 0 {
		args = append(args, q.Skip)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find elements: %w", err)
	}
	defer rows.Close()

	elements := make([]Element, 0)
	for rows.Next() {
		element, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan element: %w", err)
		}
		elements = append(elements, element)
	}
	return elements, rows.Err()
}

// ChildrenOf returns the elements whose parent is one of the given ids. This
// is the read-time computation behind the virtual contains field.
func (s *PostgresStore) ChildrenOf(ctx context.Context, parentIDs []string, includeArchived bool) ([]Element, error) {
	if len(parentIDs) == 0 {
		return []Element{}, nil
	}
	query := `SELECT ` + elementColumns + ` FROM elements WHERE parent IN (` + placeholders(1, len(parentIDs)) + `)`
	if !includeArchived {
		query += ` AND archived = FALSE`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, stringArgs(parentIDs)...)
	if err != nil {
		return nil, fmt.Errorf("find children: %w", err)
	}
	defer rows.Close()

	elements := make([]Element, 0)
	for rows.Next() {
		element, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child element: %w", err)
		}
		elements = append(elements, element)
	}
	return elements, rows.Err()
}

// RootElement returns the branch's element with no parent, or ErrNotFound
// when the branch is empty. Controllers enforce at most one root per branch.
func (s *PostgresStore) RootElement(ctx context.Context, branchID string) (Element, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+elementColumns+` FROM elements WHERE branch_id=$1 AND parent='' LIMIT 1`, branchID)
	element, err := scanElement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Element{}, ErrNotFound
	}
	if err != nil {
		return Element{}, fmt.Errorf("get root element: %w", err)
	}
	return element, nil
}

// ReferencesTo returns every element whose source or target points at one of
// the given ids, across all branches and projects.
func (s *PostgresStore) ReferencesTo(ctx context.Context, ids []string) ([]Element, error) {
	if len(ids) == 0 {
		return []Element{}, nil
	}
	query := `SELECT ` + elementColumns + ` FROM elements WHERE source IN (` + placeholders(1, len(ids)) + `)` +
		` OR target IN (` + placeholders(len(ids)+1, len(ids)) + `) ORDER BY id`
	args := append(stringArgs(ids), stringArgs(ids)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find references: %w", err)
	}
	defer rows.Close()

	elements := make([]Element, 0)
	for rows.Next() {
		element, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan referencing element: %w", err)
		}
		elements = append(elements, element)
	}
	return elements, rows.Err()
}

// ClearReferences nulls source/target fields pointing at any of the given ids.
func (s *PostgresStore) ClearReferences(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := stringArgs(ids)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE elements SET source='' WHERE source IN (`+placeholders(1, len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("clear source references: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE elements SET target='' WHERE target IN (`+placeholders(1, len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("clear target references: %w", err)
	}
	return nil
}

func (s *PostgresStore) ElementsByUUID(ctx context.Context, uuids []string) ([]Element, error) {
	if len(uuids) == 0 {
		return []Element{}, nil
	}
	query := `SELECT ` + elementColumns + ` FROM elements WHERE uuid IN (` + placeholders(1, len(uuids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, stringArgs(uuids)...)
	if err != nil {
		return nil, fmt.Errorf("find elements by uuid: %w", err)
	}
	defer rows.Close()

	elements := make([]Element, 0)
	for rows.Next() {
		element, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan element by uuid: %w", err)
		}
		elements = append(elements, element)
	}
	return elements, rows.Err()
}

// InsertElements bulk-inserts in a single transaction so a batch create is
// atomic at the store layer.
func (s *PostgresStore) InsertElements(ctx context.Context, elements []Element) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin element insert: %w", err)
	}
	for _, element := range elements {
		custom, err := marshalJSON(element.Custom)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO elements (`+elementColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		`, element.ID, element.BranchID, element.Name, element.Type, element.Parent,
			element.Source, element.Target, element.Documentation, element.UUID, custom,
			element.CreatedBy, element.LastModifiedBy, element.ArchivedBy,
			element.CreatedOn, element.UpdatedOn, element.Archived, element.ArchivedOn)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert element %s: %w", element.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit element insert: %w", err)
	}
	return nil
}

// UpdateElements writes back the mutable fields of each element in one
// transaction, mirroring the batch-update call shape of the controller.
func (s *PostgresStore) UpdateElements(ctx context.Context, elements []Element) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin element update: %w", err)
	}
	for _, element := range elements {
		custom, err := marshalJSON(element.Custom)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE elements SET name=$2, el_type=$3, parent=$4, source=$5, target=$6,
				documentation=$7, custom=$8, last_modified_by=$9, archived_by=$10,
				updated_on=$11, archived=$12, archived_on=$13
			WHERE id=$1
		`, element.ID, element.Name, element.Type, element.Parent, element.Source, element.Target,
			element.Documentation, custom, element.LastModifiedBy, element.ArchivedBy,
			element.UpdatedOn, element.Archived, element.ArchivedOn)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update element %s: %w", element.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit element update: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteElements(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM elements WHERE id IN (`+placeholders(1, len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("delete elements: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteElementsByBranch(ctx context.Context, branchID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM elements WHERE branch_id=$1`, branchID)
	if err != nil {
		return fmt.Errorf("delete branch elements: %w", err)
	}
	return nil
}

// --- webhooks ---

const webhookColumns = `id, name, hook_type, description, triggers, reference, url, token, token_location, custom,
	created_by, last_modified_by, archived_by, created_on, updated_on, archived, archived_on`

func scanWebhook(row interface{ Scan(...any) error }) (Webhook, error) {
	var hook Webhook
	var triggers, custom []byte
	err := row.Scan(&hook.ID, &hook.Name, &hook.Type, &hook.Description, &triggers, &hook.Reference,
		&hook.URL, &hook.Token, &hook.TokenLocation, &custom, &hook.CreatedBy, &hook.LastModifiedBy,
		&hook.ArchivedBy, &hook.CreatedOn, &hook.UpdatedOn, &hook.Archived, &hook.ArchivedOn)
	if err != nil {
		return Webhook{}, err
	}
	if hook.Triggers, err = unmarshalStrings(triggers); err != nil {
		return Webhook{}, err
	}
	if hook.Custom, err = unmarshalCustom(custom); err != nil {
		return Webhook{}, err
	}
	return hook, nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, id string) (Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id=$1`, id)
	hook, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Webhook{}, ErrNotFound
	}
	if err != nil {
		return Webhook{}, fmt.Errorf("get webhook: %w", err)
	}
	return hook, nil
}

func (s *PostgresStore) FindWebhooks(ctx context.Context, reference string, includeArchived bool) ([]Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks`
	var clauses []string
	var args []any
	if reference != "" {
		args = append(args, reference)
		clauses = append(clauses, fmt.Sprintf(`reference = $%d`, len(args)))
	}
	if !includeArchived {
		clauses = append(clauses, `archived = FALSE`)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find webhooks: %w", err)
	}
	defer rows.Close()

	hooks := make([]Webhook, 0)
	for rows.Next() {
		hook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

func (s *PostgresStore) InsertWebhooks(ctx context.Context, hooks []Webhook) error {
	for _, hook := range hooks {
		triggers, err := marshalJSON(hook.Triggers)
		if err != nil {
			return err
		}
		custom, err := marshalJSON(hook.Custom)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO webhooks (`+webhookColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		`, hook.ID, hook.Name, hook.Type, hook.Description, triggers, hook.Reference, hook.URL,
			hook.Token, hook.TokenLocation, custom, hook.CreatedBy, hook.LastModifiedBy,
			hook.ArchivedBy, hook.CreatedOn, hook.UpdatedOn, hook.Archived, hook.ArchivedOn)
		if err != nil {
			return fmt.Errorf("insert webhook %s: %w", hook.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateWebhook(ctx context.Context, hook Webhook) error {
	triggers, err := marshalJSON(hook.Triggers)
	if err != nil {
		return err
	}
	custom, err := marshalJSON(hook.Custom)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE webhooks SET name=$2, description=$3, triggers=$4, url=$5, token=$6, token_location=$7,
			custom=$8, last_modified_by=$9, archived_by=$10, updated_on=$11, archived=$12, archived_on=$13
		WHERE id=$1
	`, hook.ID, hook.Name, hook.Description, triggers, hook.URL, hook.Token, hook.TokenLocation,
		custom, hook.LastModifiedBy, hook.ArchivedBy, hook.UpdatedOn, hook.Archived, hook.ArchivedOn)
	if err != nil {
		return fmt.Errorf("update webhook %s: %w", hook.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteWebhooks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id IN (`+placeholders(1, len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("delete webhooks: %w", err)
	}
	return nil
}

// DeleteWebhooksByScope removes every webhook whose reference is the scope id
// itself or a descendant of it.
func (s *PostgresStore) DeleteWebhooksByScope(ctx context.Context, scopeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE reference = $1 OR reference LIKE $2`, scopeID, scopeID+":%")
	if err != nil {
		return fmt.Errorf("delete scope webhooks: %w", err)
	}
	return nil
}

// --- artifacts ---

const artifactColumns = `id, branch_id, filename, location, strategy, checksum, size, custom,
	created_by, last_modified_by, archived_by, created_on, updated_on, archived, archived_on`

func scanArtifact(row interface{ Scan(...any) error }) (Artifact, error) {
	var artifact Artifact
	var custom []byte
	err := row.Scan(&artifact.ID, &artifact.BranchID, &artifact.Filename, &artifact.Location,
		&artifact.Strategy, &artifact.Checksum, &artifact.Size, &custom,
		&artifact.CreatedBy, &artifact.LastModifiedBy, &artifact.ArchivedBy,
		&artifact.CreatedOn, &artifact.UpdatedOn, &artifact.Archived, &artifact.ArchivedOn)
	if err != nil {
		return Artifact{}, err
	}
	if artifact.Custom, err = unmarshalCustom(custom); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=$1`, id)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return artifact, nil
}

func (s *PostgresStore) FindArtifacts(ctx context.Context, branchID string, ids []string, includeArchived bool) ([]Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	var clauses []string
	var args []any
	if branchID != "" {
		args = append(args, branchID)
		clauses = append(clauses, fmt.Sprintf(`branch_id = $%d`, len(args)))
	}
	if len(ids) > 0 {
		clauses = append(clauses, `id IN (`+placeholders(len(args)+1, len(ids))+`)`)
		args = append(args, stringArgs(ids)...)
	}
	if !includeArchived {
		clauses = append(clauses, `archived = FALSE`)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

func (s *PostgresStore) InsertArtifacts(ctx context.Context, artifacts []Artifact) error {
	for _, artifact := range artifacts {
		custom, err := marshalJSON(artifact.Custom)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO artifacts (`+artifactColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, artifact.ID, artifact.BranchID, artifact.Filename, artifact.Location, artifact.Strategy,
			artifact.Checksum, artifact.Size, custom, artifact.CreatedBy, artifact.LastModifiedBy,
			artifact.ArchivedBy, artifact.CreatedOn, artifact.UpdatedOn, artifact.Archived, artifact.ArchivedOn)
		if err != nil {
			return fmt.Errorf("insert artifact %s: %w", artifact.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateArtifact(ctx context.Context, artifact Artifact) error {
	custom, err := marshalJSON(artifact.Custom)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE artifacts SET filename=$2, location=$3, strategy=$4, checksum=$5, size=$6,
			custom=$7, last_modified_by=$8, archived_by=$9, updated_on=$10, archived=$11, archived_on=$12
		WHERE id=$1
	`, artifact.ID, artifact.Filename, artifact.Location, artifact.Strategy, artifact.Checksum,
		artifact.Size, custom, artifact.LastModifiedBy, artifact.ArchivedBy,
		artifact.UpdatedOn, artifact.Archived, artifact.ArchivedOn)
	if err != nil {
		return fmt.Errorf("update artifact %s: %w", artifact.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteArtifacts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE id IN (`+placeholders(1, len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteArtifactsByBranch(ctx context.Context, branchID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE branch_id=$1`, branchID)
	if err != nil {
		return fmt.Errorf("delete branch artifacts: %w", err)
	}
	return nil
}
