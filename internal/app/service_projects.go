package app

import (
	"context"
	"fmt"
	"log"

	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

// ProjectInput is the write shape for project creation and bulk updates. The
// ID is the project's scope-local segment on create and the fully qualified
// id on update.
type ProjectInput struct {
	ID                string            `json:"id"`
	Name              *string           `json:"name"`
	Visibility        *string           `json:"visibility"`
	Custom            map[string]any    `json:"custom"`
	Archived          *bool             `json:"archived"`
	Permissions       map[string]string `json:"permissions"`
	ProjectReferences []string          `json:"projectReferences"`
}

// CreateProjects provisions projects under an org. Requires write on the org;
// the creator is granted admin on each new project. Every project starts with
// a master branch.
func (s *Service) CreateProjects(ctx context.Context, user Principal, orgID string, inputs []ProjectInput) ([]map[string]any, error) {
	if _, err := s.orgAccess(ctx, user, orgID, rbac.RoleWrite); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, validationError("no projects supplied")
	}

	now := s.timestamp()
	docs := make([]store.Project, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if !ids.ValidSegment(in.ID) {
			return nil, validationError(fmt.Sprintf("invalid project id %q", in.ID))
		}
		if seen[in.ID] {
			return nil, validationError("duplicate project id " + in.ID)
		}
		seen[in.ID] = true
		projectID := ids.Join(orgID, in.ID)
		if _, err := s.store.GetProject(ctx, projectID); err == nil {
			return nil, conflictError("project " + projectID + " already exists")
		} else if !isNotFound(err) {
			return nil, databaseError("check project "+projectID, err)
		}
		visibility, err := checkVisibility(strOr(in.Visibility, store.VisibilityPrivate))
		if err != nil {
			return nil, err
		}
		refs, err := s.checkProjectReferences(ctx, projectID, in.ProjectReferences)
		if err != nil {
			return nil, err
		}

		docs = append(docs, store.Project{
			ID:                projectID,
			OrgID:             orgID,
			Name:              strOr(in.Name, in.ID),
			Visibility:        visibility,
			Permissions:       rbac.PermissionMap{user.Username: rbac.RoleAdmin},
			ProjectReferences: refs,
			Custom:            in.Custom,
			CreatedBy:         user.Username,
			LastModifiedBy:    user.Username,
			CreatedOn:         now,
			UpdatedOn:         now,
		})
	}

	if err := s.store.InsertProjects(ctx, docs); err != nil {
		return nil, databaseError("insert projects", err)
	}
	branches := make([]store.Branch, len(docs))
	for i, project := range docs {
		branches[i] = store.Branch{
			ID:             ids.Join(project.ID, "master"),
			ProjectID:      project.ID,
			Name:           "master",
			CreatedBy:      user.Username,
			LastModifiedBy: user.Username,
			CreatedOn:      now,
			UpdatedOn:      now,
		}
	}
	if err := s.store.InsertBranches(ctx, branches); err != nil {
		return nil, databaseError("insert master branches", err)
	}

	views := make([]map[string]any, len(docs))
	for i, project := range docs {
		views[i] = viewProject(project)
		s.indexProject(ctx, project)
	}
	return views, nil
}

func (s *Service) GetProjectView(ctx context.Context, user Principal, projectID string, opts *FindOptions) (map[string]any, error) {
	if err := opts.validate("project"); err != nil {
		return nil, err
	}
	_, project, err := s.projectAccess(ctx, user, projectID, rbac.RoleRead)
	if err != nil {
		return nil, err
	}
	if project.Archived && !opts.archived() {
		return nil, notFoundError("project " + projectID + " not found")
	}
	doc := viewProject(project)
	if err := s.populateProject(ctx, doc, project, opts.populate()); err != nil {
		return nil, err
	}
	return applyFields(doc, opts.fields(), "id"), nil
}

// FindProjects lists the projects under an org the caller can read. With an
// empty orgID it spans all orgs.
func (s *Service) FindProjects(ctx context.Context, user Principal, orgID string, projectIDs []string, opts *FindOptions) ([]map[string]any, error) {
	if err := opts.validate("project"); err != nil {
		return nil, err
	}
	var orgPerms rbac.PermissionMap
	if orgID != "" {
		org, err := s.store.GetOrg(ctx, orgID)
		if err != nil {
			return nil, storeError("org "+orgID, err)
		}
		orgPerms = org.Permissions
	}
	projects, err := s.store.FindProjects(ctx, orgID, projectIDs, opts.archived())
	if err != nil {
		return nil, databaseError("find projects", err)
	}

	orgCache := map[string]rbac.PermissionMap{orgID: orgPerms}
	docs := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		perms, ok := orgCache[project.OrgID]
		if !ok {
			org, err := s.store.GetOrg(ctx, project.OrgID)
			if err != nil {
				return nil, storeError("org "+project.OrgID, err)
			}
			perms = org.Permissions
			orgCache[project.OrgID] = perms
		}
		readable := rbac.CheckAccess(user.Username, user.Admin, rbac.RoleRead, perms, project.Permissions) ||
			(project.Visibility == store.VisibilityInternal &&
				rbac.CheckAccess(user.Username, false, rbac.RoleRead, perms))
		if !readable {
			continue
		}
		docs = append(docs, applyFields(viewProject(project), opts.fields(), "id"))
	}
	return docs, nil
}

// UpdateProjects applies partial updates. Name, visibility and custom need
// write; permissions, projectReferences and archive changes need admin.
func (s *Service) UpdateProjects(ctx context.Context, user Principal, inputs []ProjectInput) ([]map[string]any, error) {
	if len(inputs) == 0 {
		return nil, validationError("no projects supplied")
	}
	now := s.timestamp()
	views := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		required := rbac.RoleWrite
		if in.Permissions != nil || in.Archived != nil || in.ProjectReferences != nil {
			required = rbac.RoleAdmin
		}
		org, project, err := s.projectAccess(ctx, user, in.ID, required)
		if err != nil {
			return nil, err
		}
		if in.Name != nil {
			project.Name = *in.Name
		}
		if in.Visibility != nil {
			visibility, err := checkVisibility(*in.Visibility)
			if err != nil {
				return nil, err
			}
			project.Visibility = visibility
		}
		if in.Custom != nil {
			project.Custom = mergeCustom(project.Custom, in.Custom)
		}
		if in.ProjectReferences != nil {
			refs, err := s.checkProjectReferences(ctx, project.ID, in.ProjectReferences)
			if err != nil {
				return nil, err
			}
			project.ProjectReferences = refs
		}
		for target, role := range in.Permissions {
			updated, err := rbac.Apply(project.Permissions, user.Username, user.Admin, target, role, org.Permissions, project.Permissions)
			if err != nil {
				return nil, permissionApplyError(err)
			}
			if role != rbac.RemoveAll {
				if _, err := s.store.GetUser(ctx, target); err != nil {
					return nil, storeError("user "+target, err)
				}
			}
			project.Permissions = updated
		}
		if in.Archived != nil && *in.Archived != project.Archived {
			setArchiveState(&project.Archived, &project.ArchivedOn, &project.ArchivedBy, *in.Archived, user.Username, now)
		}
		project.LastModifiedBy = user.Username
		project.UpdatedOn = now

		if err := s.store.UpdateProject(ctx, project); err != nil {
			return nil, databaseError("update project "+in.ID, err)
		}
		s.indexProject(ctx, project)
		views = append(views, viewProject(project))
	}
	return views, nil
}

// RemoveProjects archives projects and their branches, or with hard set
// deletes them and everything underneath. Requires admin on the owning org.
func (s *Service) RemoveProjects(ctx context.Context, user Principal, projectIDs []string, hard bool) ([]string, error) {
	for _, projectID := range projectIDs {
		project, err := s.store.GetProject(ctx, projectID)
		if err != nil {
			return nil, storeError("project "+projectID, err)
		}
		if _, err := s.orgAccess(ctx, user, project.OrgID, rbac.RoleAdmin); err != nil {
			return nil, err
		}
	}
	for _, projectID := range projectIDs {
		if hard {
			s.hardDeleteProjectChildren(ctx, projectID)
			if err := s.store.DeleteProjects(ctx, []string{projectID}); err != nil {
				log.Printf("projects: CRITICAL: delete failed on project %s: %v", projectID, err)
				continue
			}
			s.deindexProject(ctx, projectID)
			continue
		}
		s.archiveProject(ctx, user, projectID)
	}
	return projectIDs, nil
}

func (s *Service) archiveProject(ctx context.Context, user Principal, projectID string) {
	now := s.timestamp()
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		log.Printf("projects: CRITICAL: archive cascade lost project %s: %v", projectID, err)
		return
	}
	if !project.Archived {
		setArchiveState(&project.Archived, &project.ArchivedOn, &project.ArchivedBy, true, user.Username, now)
		project.LastModifiedBy = user.Username
		project.UpdatedOn = now
		if err := s.store.UpdateProject(ctx, project); err != nil {
			log.Printf("projects: CRITICAL: archive failed on project %s: %v", projectID, err)
			return
		}
	}
	branches, err := s.store.FindBranches(ctx, projectID, nil, true)
	if err != nil {
		log.Printf("projects: CRITICAL: archive cascade failed listing branches of %s: %v", projectID, err)
		return
	}
	for _, branch := range branches {
		if branch.Archived {
			continue
		}
		setArchiveState(&branch.Archived, &branch.ArchivedOn, &branch.ArchivedBy, true, user.Username, now)
		branch.LastModifiedBy = user.Username
		branch.UpdatedOn = now
		if err := s.store.UpdateBranch(ctx, branch); err != nil {
			log.Printf("projects: CRITICAL: archive failed on branch %s: %v", branch.ID, err)
		}
	}
}

// hardDeleteProjectChildren removes the element graphs, webhooks and
// artifacts below a project. Branch rows fall to the store's foreign keys
// when the project row goes.
func (s *Service) hardDeleteProjectChildren(ctx context.Context, projectID string) {
	branches, err := s.store.FindBranches(ctx, projectID, nil, true)
	if err != nil {
		log.Printf("projects: CRITICAL: delete cascade failed listing branches of %s: %v", projectID, err)
		branches = nil
	}
	for _, branch := range branches {
		if err := s.purgeBranchElements(ctx, branch.ID); err != nil {
			log.Printf("projects: CRITICAL: delete cascade failed on elements of %s: %v", branch.ID, err)
		}
		if err := s.store.DeleteArtifactsByBranch(ctx, branch.ID); err != nil {
			log.Printf("projects: CRITICAL: delete cascade failed on artifacts of %s: %v", branch.ID, err)
		}
	}
	if err := s.store.DeleteWebhooksByScope(ctx, projectID); err != nil {
		log.Printf("projects: CRITICAL: delete cascade failed on webhooks of %s: %v", projectID, err)
	}
}

func checkVisibility(visibility string) (string, error) {
	switch visibility {
	case store.VisibilityPrivate, store.VisibilityInternal:
		return visibility, nil
	}
	return "", validationError(fmt.Sprintf("invalid visibility %q", visibility))
}

// checkProjectReferences validates that every referenced project exists and
// is not the project itself.
func (s *Service) checkProjectReferences(ctx context.Context, projectID string, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if ref == projectID {
			return nil, validationError("project cannot reference itself")
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if _, err := s.store.GetProject(ctx, ref); err != nil {
			return nil, storeError("referenced project "+ref, err)
		}
		out = append(out, ref)
	}
	return out, nil
}

// populateProject expands reference fields into embedded documents.
func (s *Service) populateProject(ctx context.Context, doc map[string]any, project store.Project, fields []string) error {
	for _, field := range fields {
		switch field {
		case "org":
			org, err := s.store.GetOrg(ctx, project.OrgID)
			if err != nil {
				return storeError("org "+project.OrgID, err)
			}
			doc["org"] = viewOrg(org)
		case "createdBy", "lastModifiedBy", "archivedBy":
			if err := s.populateUserField(ctx, doc, field); err != nil {
				return err
			}
		}
	}
	return nil
}

// populateUserField swaps a username audit field for the full user document.
// A missing user (deleted after the fact) leaves the username in place.
func (s *Service) populateUserField(ctx context.Context, doc map[string]any, field string) error {
	username, _ := doc[field].(string)
	if username == "" {
		return nil
	}
	u, err := s.store.GetUser(ctx, username)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return databaseError("populate "+field, err)
	}
	doc[field] = viewUser(u)
	return nil
}
