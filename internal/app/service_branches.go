package app

import (
	"context"
	"fmt"
	"log"

	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

// BranchInput is the write shape for branch creation and bulk updates. On
// create, Source names the branch whose element graph is cloned; it defaults
// to master.
type BranchInput struct {
	ID       string         `json:"id"`
	Name     *string        `json:"name"`
	Source   string         `json:"source"`
	Tag      bool           `json:"tag"`
	Custom   map[string]any `json:"custom"`
	Archived *bool          `json:"archived"`
}

// CreateBranches creates branches under a project, cloning each one's element
// graph from its source branch. Requires write on the project.
func (s *Service) CreateBranches(ctx context.Context, user Principal, projectID string, inputs []BranchInput) ([]map[string]any, error) {
	if _, _, err := s.projectAccess(ctx, user, projectID, rbac.RoleWrite); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, validationError("no branches supplied")
	}

	now := s.timestamp()
	views := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		if !ids.ValidSegment(in.ID) {
			return nil, validationError(fmt.Sprintf("invalid branch id %q", in.ID))
		}
		branchID := ids.Join(projectID, in.ID)
		if _, err := s.store.GetBranch(ctx, branchID); err == nil {
			return nil, conflictError("branch " + branchID + " already exists")
		} else if !isNotFound(err) {
			return nil, databaseError("check branch "+branchID, err)
		}

		sourceID := ids.Join(projectID, "master")
		if in.Source != "" {
			sourceID = ids.Join(projectID, in.Source)
		}
		source, err := s.store.GetBranch(ctx, sourceID)
		if err != nil {
			return nil, storeError("source branch "+sourceID, err)
		}

		branch := store.Branch{
			ID:             branchID,
			ProjectID:      projectID,
			Name:           strOr(in.Name, in.ID),
			Source:         source.ID,
			Tag:            in.Tag,
			Custom:         in.Custom,
			CreatedBy:      user.Username,
			LastModifiedBy: user.Username,
			CreatedOn:      now,
			UpdatedOn:      now,
		}
		if err := s.store.InsertBranches(ctx, []store.Branch{branch}); err != nil {
			return nil, databaseError("insert branch "+branchID, err)
		}
		if err := s.cloneElements(ctx, user, source.ID, branchID); err != nil {
			// Roll the branch document back so a retry starts clean.
			if delErr := s.store.DeleteBranches(ctx, []string{branchID}); delErr != nil {
				log.Printf("branches: CRITICAL: clone rollback failed on %s: %v", branchID, delErr)
			}
			return nil, err
		}
		views = append(views, viewBranch(branch))
	}
	return views, nil
}

// cloneElements copies the source branch's element graph onto the new branch.
// Intra-project references are rebased under the new branch id; references
// into other projects are kept as-is. Cloned elements drop their uuids, which
// are globally unique.
func (s *Service) cloneElements(ctx context.Context, user Principal, sourceID, branchID string) error {
	elements, err := s.store.FindElements(ctx, sourceID, nil, store.ElementQuery{IncludeArchived: true})
	if err != nil {
		return databaseError("read source elements", err)
	}
	if len(elements) == 0 {
		return nil
	}
	now := s.timestamp()
	clones := make([]store.Element, len(elements))
	for i, el := range elements {
		clone := el
		clone.ID = ids.Rebase(el.ID, sourceID, branchID)
		clone.BranchID = branchID
		clone.Parent = ids.Rebase(el.Parent, sourceID, branchID)
		clone.Source = ids.Rebase(el.Source, sourceID, branchID)
		clone.Target = ids.Rebase(el.Target, sourceID, branchID)
		clone.UUID = ""
		clone.CreatedBy = user.Username
		clone.LastModifiedBy = user.Username
		clone.CreatedOn = now
		clone.UpdatedOn = now
		clones[i] = clone
	}
	if err := s.store.InsertElements(ctx, clones); err != nil {
		return databaseError("clone elements", err)
	}
	s.indexElements(ctx, clones)
	return nil
}

func (s *Service) GetBranchView(ctx context.Context, user Principal, branchID string, opts *FindOptions) (map[string]any, error) {
	if err := opts.validate("branch"); err != nil {
		return nil, err
	}
	_, branch, err := s.branchAccess(ctx, user, branchID, rbac.RoleRead)
	if err != nil {
		return nil, err
	}
	if branch.Archived && !opts.archived() {
		return nil, notFoundError("branch " + branchID + " not found")
	}
	doc := viewBranch(branch)
	if err := s.populateBranch(ctx, doc, branch, opts.populate()); err != nil {
		return nil, err
	}
	return applyFields(doc, opts.fields(), "id"), nil
}

func (s *Service) FindBranches(ctx context.Context, user Principal, projectID string, branchIDs []string, opts *FindOptions) ([]map[string]any, error) {
	if err := opts.validate("branch"); err != nil {
		return nil, err
	}
	if _, _, err := s.projectAccess(ctx, user, projectID, rbac.RoleRead); err != nil {
		return nil, err
	}
	branches, err := s.store.FindBranches(ctx, projectID, branchIDs, opts.archived())
	if err != nil {
		return nil, databaseError("find branches", err)
	}
	docs := make([]map[string]any, len(branches))
	for i, branch := range branches {
		docs[i] = applyFields(viewBranch(branch), opts.fields(), "id")
	}
	return docs, nil
}

// UpdateBranches applies partial updates. Name and custom need project write;
// archive changes need project admin. Source and tag are immutable.
func (s *Service) UpdateBranches(ctx context.Context, user Principal, inputs []BranchInput) ([]map[string]any, error) {
	if len(inputs) == 0 {
		return nil, validationError("no branches supplied")
	}
	now := s.timestamp()
	views := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		required := rbac.RoleWrite
		if in.Archived != nil {
			required = rbac.RoleAdmin
		}
		_, branch, err := s.branchAccess(ctx, user, in.ID, required)
		if err != nil {
			return nil, err
		}
		if in.Name != nil {
			branch.Name = *in.Name
		}
		if in.Custom != nil {
			branch.Custom = mergeCustom(branch.Custom, in.Custom)
		}
		if in.Archived != nil && *in.Archived != branch.Archived {
			if ids.Local(branch.ID) == "master" && *in.Archived {
				return nil, forbiddenError("cannot archive the master branch")
			}
			setArchiveState(&branch.Archived, &branch.ArchivedOn, &branch.ArchivedBy, *in.Archived, user.Username, now)
		}
		branch.LastModifiedBy = user.Username
		branch.UpdatedOn = now

		if err := s.store.UpdateBranch(ctx, branch); err != nil {
			return nil, databaseError("update branch "+in.ID, err)
		}
		views = append(views, viewBranch(branch))
	}
	return views, nil
}

// RemoveBranches archives branches, or with hard set deletes them with their
// elements and artifacts. Master cannot be removed; tag branches need the
// force flag. Requires project admin.
func (s *Service) RemoveBranches(ctx context.Context, user Principal, branchIDs []string, hard, force bool) ([]string, error) {
	for _, branchID := range branchIDs {
		_, branch, err := s.branchAccess(ctx, user, branchID, rbac.RoleAdmin)
		if err != nil {
			return nil, err
		}
		if ids.Local(branch.ID) == "master" {
			return nil, forbiddenError("cannot remove the master branch")
		}
		if branch.Tag && !force {
			return nil, forbiddenError("cannot remove tag branch " + branchID + " without force")
		}
	}
	now := s.timestamp()
	for _, branchID := range branchIDs {
		if !hard {
			branch, err := s.store.GetBranch(ctx, branchID)
			if err != nil {
				log.Printf("branches: CRITICAL: archive lost branch %s: %v", branchID, err)
				continue
			}
			if !branch.Archived {
				setArchiveState(&branch.Archived, &branch.ArchivedOn, &branch.ArchivedBy, true, user.Username, now)
				branch.LastModifiedBy = user.Username
				branch.UpdatedOn = now
				if err := s.store.UpdateBranch(ctx, branch); err != nil {
					log.Printf("branches: CRITICAL: archive failed on branch %s: %v", branchID, err)
				}
			}
			continue
		}
		if err := s.purgeBranchElements(ctx, branchID); err != nil {
			log.Printf("branches: CRITICAL: delete cascade failed on elements of %s: %v", branchID, err)
		}
		if err := s.store.DeleteArtifactsByBranch(ctx, branchID); err != nil {
			log.Printf("branches: CRITICAL: delete cascade failed on artifacts of %s: %v", branchID, err)
		}
		if err := s.store.DeleteWebhooksByScope(ctx, branchID); err != nil {
			log.Printf("branches: CRITICAL: delete cascade failed on webhooks of %s: %v", branchID, err)
		}
		if err := s.store.DeleteBranches(ctx, []string{branchID}); err != nil {
			log.Printf("branches: CRITICAL: delete failed on branch %s: %v", branchID, err)
		}
	}
	return branchIDs, nil
}

func (s *Service) populateBranch(ctx context.Context, doc map[string]any, branch store.Branch, fields []string) error {
	for _, field := range fields {
		switch field {
		case "source":
			if branch.Source == "" {
				continue
			}
			source, err := s.store.GetBranch(ctx, branch.Source)
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return databaseError("populate source", err)
			}
			doc["source"] = viewBranch(source)
		case "createdBy", "lastModifiedBy", "archivedBy":
			if err := s.populateUserField(ctx, doc, field); err != nil {
				return err
			}
		}
	}
	return nil
}
