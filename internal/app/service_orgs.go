package app

import (
	"context"
	"fmt"
	"log"

	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

// OrgInput is the write shape for org creation and bulk updates.
type OrgInput struct {
	ID          string            `json:"id"`
	Name        *string           `json:"name"`
	Custom      map[string]any    `json:"custom"`
	Archived    *bool             `json:"archived"`
	Permissions map[string]string `json:"permissions"`
}

// CreateOrgs provisions organizations. Site admin only; the creator is
// granted admin on each new org so ownership can be delegated immediately.
func (s *Service) CreateOrgs(ctx context.Context, user Principal, inputs []OrgInput) ([]map[string]any, error) {
	if !user.Admin {
		return nil, forbiddenError("only site admins may create orgs")
	}
	if len(inputs) == 0 {
		return nil, validationError("no orgs supplied")
	}

	now := s.timestamp()
	docs := make([]store.Org, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if !ids.ValidSegment(in.ID) {
			return nil, validationError(fmt.Sprintf("invalid org id %q", in.ID))
		}
		if seen[in.ID] {
			return nil, validationError("duplicate org id " + in.ID)
		}
		seen[in.ID] = true
		if _, err := s.store.GetOrg(ctx, in.ID); err == nil {
			return nil, conflictError("org " + in.ID + " already exists")
		} else if !isNotFound(err) {
			return nil, databaseError("check org "+in.ID, err)
		}

		docs = append(docs, store.Org{
			ID:             in.ID,
			Name:           strOr(in.Name, in.ID),
			Permissions:    rbac.PermissionMap{user.Username: rbac.RoleAdmin},
			Custom:         in.Custom,
			CreatedBy:      user.Username,
			LastModifiedBy: user.Username,
			CreatedOn:      now,
			UpdatedOn:      now,
		})
	}

	if err := s.store.InsertOrgs(ctx, docs); err != nil {
		return nil, databaseError("insert orgs", err)
	}
	views := make([]map[string]any, len(docs))
	for i, org := range docs {
		views[i] = viewOrg(org)
		s.indexOrg(ctx, docs[i])
	}
	return views, nil
}

// GetOrgView returns one org the caller can read.
func (s *Service) GetOrgView(ctx context.Context, user Principal, orgID string, opts *FindOptions) (map[string]any, error) {
	if err := opts.validate("org"); err != nil {
		return nil, err
	}
	org, err := s.orgAccess(ctx, user, orgID, rbac.RoleRead)
	if err != nil {
		return nil, err
	}
	if org.Archived && !opts.archived() {
		return nil, notFoundError("org " + orgID + " not found")
	}
	return applyFields(viewOrg(org), opts.fields(), "id"), nil
}

// FindOrgs lists the orgs the caller holds read on. Site admins see all.
func (s *Service) FindOrgs(ctx context.Context, user Principal, orgIDs []string, opts *FindOptions) ([]map[string]any, error) {
	if err := opts.validate("org"); err != nil {
		return nil, err
	}
	orgs, err := s.store.FindOrgs(ctx, orgIDs, opts.archived())
	if err != nil {
		return nil, databaseError("find orgs", err)
	}
	docs := make([]map[string]any, 0, len(orgs))
	for _, org := range orgs {
		if !rbac.CheckAccess(user.Username, user.Admin, rbac.RoleRead, org.Permissions) {
			continue
		}
		docs = append(docs, applyFields(viewOrg(org), opts.fields(), "id"))
	}
	return docs, nil
}

// UpdateOrgs applies partial updates. Name and custom need write; permission
// and archive changes need admin on the org.
func (s *Service) UpdateOrgs(ctx context.Context, user Principal, inputs []OrgInput) ([]map[string]any, error) {
	if len(inputs) == 0 {
		return nil, validationError("no orgs supplied")
	}
	now := s.timestamp()
	views := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		required := rbac.RoleWrite
		if in.Permissions != nil || in.Archived != nil {
			required = rbac.RoleAdmin
		}
		org, err := s.orgAccess(ctx, user, in.ID, required)
		if err != nil {
			return nil, err
		}
		if in.Name != nil {
			org.Name = *in.Name
		}
		if in.Custom != nil {
			org.Custom = mergeCustom(org.Custom, in.Custom)
		}
		for target, role := range in.Permissions {
			updated, err := rbac.Apply(org.Permissions, user.Username, user.Admin, target, role, org.Permissions)
			if err != nil {
				return nil, permissionApplyError(err)
			}
			if role != rbac.RemoveAll {
				if _, err := s.store.GetUser(ctx, target); err != nil {
					return nil, storeError("user "+target, err)
				}
			}
			org.Permissions = updated
		}
		if in.Archived != nil && *in.Archived != org.Archived {
			setArchiveState(&org.Archived, &org.ArchivedOn, &org.ArchivedBy, *in.Archived, user.Username, now)
		}
		org.LastModifiedBy = user.Username
		org.UpdatedOn = now

		if err := s.store.UpdateOrg(ctx, org); err != nil {
			return nil, databaseError("update org "+in.ID, err)
		}
		s.indexOrg(ctx, org)
		views = append(views, viewOrg(org))
	}
	return views, nil
}

// RemoveOrgs archives orgs and their whole subtree, or with hard set deletes
// them outright. The hard cascade covers projects, branches, elements,
// webhooks and artifacts; failures past the first delete are logged and the
// cascade continues.
func (s *Service) RemoveOrgs(ctx context.Context, user Principal, orgIDs []string, hard bool) ([]string, error) {
	if !user.Admin {
		return nil, forbiddenError("only site admins may remove orgs")
	}
	for _, orgID := range orgIDs {
		if _, err := s.store.GetOrg(ctx, orgID); err != nil {
			return nil, storeError("org "+orgID, err)
		}
	}
	for _, orgID := range orgIDs {
		if hard {
			s.hardDeleteOrg(ctx, orgID)
			continue
		}
		s.archiveOrg(ctx, user, orgID)
	}
	return orgIDs, nil
}

func (s *Service) archiveOrg(ctx context.Context, user Principal, orgID string) {
	now := s.timestamp()
	org, err := s.store.GetOrg(ctx, orgID)
	if err != nil {
		log.Printf("orgs: CRITICAL: archive cascade lost org %s: %v", orgID, err)
		return
	}
	if !org.Archived {
		setArchiveState(&org.Archived, &org.ArchivedOn, &org.ArchivedBy, true, user.Username, now)
		org.LastModifiedBy = user.Username
		org.UpdatedOn = now
		if err := s.store.UpdateOrg(ctx, org); err != nil {
			log.Printf("orgs: CRITICAL: archive failed on org %s: %v", orgID, err)
			return
		}
	}
	projects, err := s.store.FindProjects(ctx, orgID, nil, true)
	if err != nil {
		log.Printf("orgs: CRITICAL: archive cascade failed listing projects of %s: %v", orgID, err)
		return
	}
	for _, project := range projects {
		s.archiveProject(ctx, user, project.ID)
	}
}

// hardDeleteOrg relies on the store's foreign keys cascading org -> projects
// -> branches; elements, webhooks and artifacts are keyed by id prefix and
// removed explicitly.
func (s *Service) hardDeleteOrg(ctx context.Context, orgID string) {
	projects, err := s.store.FindProjects(ctx, orgID, nil, true)
	if err != nil {
		log.Printf("orgs: CRITICAL: delete cascade failed listing projects of %s: %v", orgID, err)
		projects = nil
	}
	for _, project := range projects {
		s.hardDeleteProjectChildren(ctx, project.ID)
	}
	if err := s.store.DeleteWebhooksByScope(ctx, orgID); err != nil {
		log.Printf("orgs: CRITICAL: delete cascade failed on webhooks of %s: %v", orgID, err)
	}
	if err := s.store.DeleteOrgs(ctx, []string{orgID}); err != nil {
		log.Printf("orgs: CRITICAL: delete failed on org %s: %v", orgID, err)
		return
	}
	s.deindexOrg(ctx, orgID)
}

// permissionApplyError maps rbac errors to domain errors.
func permissionApplyError(err error) error {
	switch err {
	case rbac.ErrSelfModify, rbac.ErrNotAdmin:
		return forbiddenError(err.Error())
	default:
		return validationError(err.Error())
	}
}
