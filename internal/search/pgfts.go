package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lmco/mcf/internal/ids"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across elements, projects and orgs using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultElement {
		where := "e.fts @@ " + tsQuery
		if q.FilterBranch != "" {
			where += fmt.Sprintf(" AND e.branch_id = $%d", argN)
			args = append(args, q.FilterBranch)
			argN++
		} else if q.FilterProject != "" {
			where += fmt.Sprintf(" AND e.branch_id LIKE $%d", argN)
			args = append(args, q.FilterProject+":%")
			argN++
		}
		if !q.IncludeArchived {
			where += " AND e.archived = FALSE"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'element'::text AS type, e.id, e.name,
				ts_headline('english', coalesce(e.documentation, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				e.branch_id, e.archived,
				ts_rank(e.fts, %s) AS rank
			FROM elements e
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultProject {
		where := "p.fts @@ " + tsQuery
		if !q.IncludeArchived {
			where += " AND p.archived = FALSE"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'project'::text AS type, p.id, p.name,
				''::text AS snippet,
				''::text AS branch_id, p.archived,
				ts_rank(p.fts, %s) AS rank
			FROM projects p
			WHERE %s`, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultOrg {
		where := "o.fts @@ " + tsQuery
		if !q.IncludeArchived {
			where += " AND o.archived = FALSE"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'org'::text AS type, o.id, o.name,
				''::text AS snippet,
				''::text AS branch_id, o.archived,
				ts_rank(o.fts, %s) AS rank
			FROM orgs o
			WHERE %s`, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, name, snippet, branch_id, archived
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Name, &r.Snippet, &r.BranchID, &r.Archived); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		switch r.Type {
		case ResultElement:
			r.Project = ids.ProjectID(r.ID)
			r.Org = ids.OrgID(r.ID)
		case ResultProject:
			r.Org = ids.OrgID(r.ID)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ElementRecord, []ProjectRecord, []OrgRecord, error) {
	elementRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, documentation, el_type, branch_id, archived
		FROM elements
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load elements: %w", err)
	}
	defer elementRows.Close()

	elements := make([]ElementRecord, 0)
	for elementRows.Next() {
		var e ElementRecord
		if err := elementRows.Scan(&e.ID, &e.Name, &e.Documentation, &e.ElementType, &e.BranchID, &e.Archived); err != nil {
			return nil, nil, nil, fmt.Errorf("scan element: %w", err)
		}
		e.Project = ids.ProjectID(e.ID)
		e.Org = ids.OrgID(e.ID)
		elements = append(elements, e)
	}
	if err := elementRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate elements: %w", err)
	}

	projectRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, org_id, visibility, archived
		FROM projects
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projectRows.Close()

	projects := make([]ProjectRecord, 0)
	for projectRows.Next() {
		var pr ProjectRecord
		if err := projectRows.Scan(&pr.ID, &pr.Name, &pr.Org, &pr.Visibility, &pr.Archived); err != nil {
			return nil, nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, pr)
	}
	if err := projectRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	orgRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, archived
		FROM orgs
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load orgs: %w", err)
	}
	defer orgRows.Close()

	orgs := make([]OrgRecord, 0)
	for orgRows.Next() {
		var o OrgRecord
		if err := orgRows.Scan(&o.ID, &o.Name, &o.Archived); err != nil {
			return nil, nil, nil, fmt.Errorf("scan org: %w", err)
		}
		orgs = append(orgs, o)
	}
	if err := orgRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate orgs: %w", err)
	}

	return elements, projects, orgs, nil
}
