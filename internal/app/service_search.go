package app

import (
	"context"

	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/search"
	"github.com/lmco/mcf/internal/store"
)

// Search runs a full-text query. Scoping to a project or branch applies the
// usual read check up front; unscoped queries are filtered per-hit, which
// keeps private entities out of results for non-members.
func (s *Service) Search(ctx context.Context, user Principal, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if q.FilterBranch != "" {
		if _, _, err := s.branchAccess(ctx, user, q.FilterBranch, rbac.RoleRead); err != nil {
			return search.Response{}, err
		}
	} else if q.FilterProject != "" {
		if _, _, err := s.projectAccess(ctx, user, q.FilterProject, rbac.RoleRead); err != nil {
			return search.Response{}, err
		}
	}

	resp := s.search.Search(q)
	if user.Admin {
		return resp, nil
	}
	filtered := make([]search.Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		if s.resultReadable(ctx, user, r) {
			filtered = append(filtered, r)
		}
	}
	resp.Results = filtered
	return resp, nil
}

func (s *Service) resultReadable(ctx context.Context, user Principal, r search.Result) bool {
	switch r.Type {
	case search.ResultOrg:
		_, err := s.orgAccess(ctx, user, r.ID, rbac.RoleRead)
		return err == nil
	case search.ResultProject:
		_, _, err := s.projectAccess(ctx, user, r.ID, rbac.RoleRead)
		return err == nil
	case search.ResultElement:
		_, _, err := s.projectAccess(ctx, user, ids.ProjectID(r.ID), rbac.RoleRead)
		return err == nil
	}
	return false
}

// Index maintenance hooks. All are nil-safe and fire-and-forget; a stale or
// missing search index never fails a write.

func (s *Service) indexOrg(ctx context.Context, org store.Org) {
	if s.search == nil {
		return
	}
	s.search.IndexOrg(search.OrgRecord{ID: org.ID, Name: org.Name, Archived: org.Archived})
}

func (s *Service) deindexOrg(ctx context.Context, orgID string) {
	if s.search == nil {
		return
	}
	s.search.DeleteOrg(orgID)
}

func (s *Service) indexProject(ctx context.Context, project store.Project) {
	if s.search == nil {
		return
	}
	s.search.IndexProject(search.ProjectRecord{
		ID:         project.ID,
		Name:       project.Name,
		Org:        project.OrgID,
		Visibility: project.Visibility,
		Archived:   project.Archived,
	})
}

func (s *Service) deindexProject(ctx context.Context, projectID string) {
	if s.search == nil {
		return
	}
	s.search.DeleteProject(projectID)
}

func (s *Service) indexElements(ctx context.Context, elements []store.Element) {
	if s.search == nil || len(elements) == 0 {
		return
	}
	records := make([]search.ElementRecord, len(elements))
	for i, el := range elements {
		records[i] = search.ElementRecord{
			ID:            el.ID,
			Name:          el.Name,
			Documentation: el.Documentation,
			ElementType:   el.Type,
			BranchID:      el.BranchID,
			Project:       ids.ProjectID(el.ID),
			Org:           ids.OrgID(el.ID),
			Archived:      el.Archived,
		}
	}
	s.search.IndexElements(records)
}

func (s *Service) deindexElements(ctx context.Context, elementIDs []string) {
	if s.search == nil {
		return
	}
	s.search.DeleteElements(elementIDs)
}
