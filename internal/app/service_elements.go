package app

import (
	"context"
	"fmt"

	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

// ElementInput is the write shape for element creation and bulk updates.
// Reference fields accept scope-local ids (resolved against the branch) or
// fully qualified ids (required for cross-project references). On update, a
// nil pointer leaves the field alone and a pointer to "" clears it. The uuid
// is set at creation and immutable afterwards.
type ElementInput struct {
	ID            string         `json:"id"`
	Name          *string        `json:"name"`
	Type          *string        `json:"type"`
	Parent        *string        `json:"parent"`
	Source        *string        `json:"source"`
	Target        *string        `json:"target"`
	Documentation *string        `json:"documentation"`
	UUID          string         `json:"uuid"`
	Custom        map[string]any `json:"custom"`
	Archived      *bool          `json:"archived"`
}

// elementBatch is the validation context for one bulk write: the branch being
// written, its project (for reference gating), and the staged documents so
// in-batch references resolve before anything is persisted.
type elementBatch struct {
	branch  store.Branch
	project store.Project
	staged  map[string]store.Element
}

// writableBranch resolves a branch for element mutation: project write
// access, branch not archived, branch not a tag.
func (s *Service) writableBranch(ctx context.Context, user Principal, branchID string) (store.Project, store.Branch, error) {
	project, branch, err := s.branchAccess(ctx, user, branchID, rbac.RoleWrite)
	if err != nil {
		return store.Project{}, store.Branch{}, err
	}
	if branch.Tag {
		return store.Project{}, store.Branch{}, forbiddenError("branch " + branchID + " is a tag and cannot be modified")
	}
	if branch.Archived {
		return store.Project{}, store.Branch{}, forbiddenError("branch " + branchID + " is archived")
	}
	return project, branch, nil
}

// CreateElements inserts a batch of elements. Validation is all-or-nothing:
// every document in the batch is checked before the first write, so a bad
// entry anywhere leaves the branch untouched.
func (s *Service) CreateElements(ctx context.Context, user Principal, branchID string, inputs []ElementInput) ([]map[string]any, error) {
	project, branch, err := s.writableBranch(ctx, user, branchID)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, validationError("no elements supplied")
	}

	now := s.timestamp()
	batch := &elementBatch{branch: branch, project: project, staged: make(map[string]store.Element, len(inputs))}
	docs := make([]store.Element, 0, len(inputs))
	for _, in := range inputs {
		if !ids.ValidSegment(in.ID) {
			return nil, validationError(fmt.Sprintf("invalid element id %q", in.ID))
		}
		id := ids.Join(branchID, in.ID)
		if _, ok := batch.staged[id]; ok {
			return nil, validationError("duplicate element id " + in.ID)
		}
		if _, err := s.store.GetElement(ctx, id); err == nil {
			return nil, conflictError("element " + id + " already exists")
		} else if !isNotFound(err) {
			return nil, databaseError("check element "+id, err)
		}

		el := store.Element{
			ID:             id,
			BranchID:       branchID,
			Name:           strOr(in.Name, in.ID),
			Type:           strOr(in.Type, ""),
			Documentation:  strOr(in.Documentation, ""),
			Custom:         in.Custom,
			CreatedBy:      user.Username,
			LastModifiedBy: user.Username,
			CreatedOn:      now,
			UpdatedOn:      now,
		}
		if in.Parent != nil && *in.Parent != "" {
			el.Parent = s.qualify(branchID, *in.Parent)
		}
		if in.Source != nil && *in.Source != "" {
			el.Source = s.qualify(branchID, *in.Source)
		}
		if in.Target != nil && *in.Target != "" {
			el.Target = s.qualify(branchID, *in.Target)
		}
		if in.UUID != "" {
			if !ids.ValidUUID(in.UUID) {
				return nil, validationError(fmt.Sprintf("invalid uuid %q on element %s", in.UUID, in.ID))
			}
			el.UUID = in.UUID
		}
		batch.staged[id] = el
		docs = append(docs, el)
	}

	if err := s.checkBatchUUIDs(ctx, docs); err != nil {
		return nil, err
	}
	rootSeen := false
	for _, el := range docs {
		if el.Parent == "" {
			if rootSeen {
				return nil, validationError("batch contains more than one root element")
			}
			rootSeen = true
			if _, err := s.store.RootElement(ctx, branchID); err == nil {
				return nil, validationError("branch " + branchID + " already has a root element")
			} else if !isNotFound(err) {
				return nil, databaseError("check root element", err)
			}
			continue
		}
		if err := s.checkParentRef(ctx, batch, el.ID, el.Parent); err != nil {
			return nil, err
		}
	}
	for _, el := range docs {
		if err := s.checkEdgeRef(ctx, batch, el.ID, el.Source, "source"); err != nil {
			return nil, err
		}
		if err := s.checkEdgeRef(ctx, batch, el.ID, el.Target, "target"); err != nil {
			return nil, err
		}
	}

	if err := s.store.InsertElements(ctx, docs); err != nil {
		return nil, databaseError("insert elements", err)
	}
	s.indexElements(ctx, docs)
	views := make([]map[string]any, len(docs))
	for i, el := range docs {
		views[i] = viewElement(el)
		views[i]["contains"] = []string{}
	}
	return views, nil
}

// qualify resolves a possibly scope-local reference against a branch.
// Anything already containing the delimiter is taken as fully qualified.
func (s *Service) qualify(branchID, ref string) string {
	if ids.Qualified(ref) {
		return ref
	}
	return ids.Join(branchID, ref)
}

// checkParentRef validates a containment edge: the parent must live on the
// same branch and must exist and not be archived, either already stored or
// staged in this batch.
func (s *Service) checkParentRef(ctx context.Context, batch *elementBatch, elementID, parentID string) error {
	if parentID == elementID {
		return validationError("element " + elementID + " cannot be its own parent")
	}
	if ids.BranchID(parentID) != batch.branch.ID {
		return validationError(fmt.Sprintf("parent %s is not on branch %s", parentID, batch.branch.ID))
	}
	parent, ok := batch.staged[parentID]
	if !ok {
		var err error
		parent, err = s.store.GetElement(ctx, parentID)
		if err != nil {
			if isNotFound(err) {
				return validationError("parent " + parentID + " not found")
			}
			return databaseError("check parent "+parentID, err)
		}
	}
	if parent.Archived {
		return validationError("parent " + parentID + " is archived")
	}
	return nil
}

// checkEdgeRef validates a source or target edge. Same-project references
// need only exist; references into another project additionally require that
// project to be listed in projectReferences.
func (s *Service) checkEdgeRef(ctx context.Context, batch *elementBatch, elementID, refID, kind string) error {
	if refID == "" {
		return nil
	}
	refProject := ids.ProjectID(refID)
	if refProject == "" {
		return validationError(fmt.Sprintf("invalid %s reference %q on element %s", kind, refID, elementID))
	}
	if refProject != batch.project.ID && !contains(batch.project.ProjectReferences, refProject) {
		return validationError(fmt.Sprintf("%s reference %s crosses into project %s, which is not in projectReferences", kind, refID, refProject))
	}
	if _, ok := batch.staged[refID]; ok {
		return nil
	}
	if _, err := s.store.GetElement(ctx, refID); err != nil {
		if isNotFound(err) {
			return validationError(fmt.Sprintf("%s reference %s not found", kind, refID))
		}
		return databaseError("check "+kind+" "+refID, err)
	}
	return nil
}

// checkBatchUUIDs enforces global uuid uniqueness across the store and within
// the batch itself.
func (s *Service) checkBatchUUIDs(ctx context.Context, docs []store.Element) error {
	var uuids []string
	seen := make(map[string]bool)
	for _, el := range docs {
		if el.UUID == "" {
			continue
		}
		if seen[el.UUID] {
			return validationError("duplicate uuid " + el.UUID + " in batch")
		}
		seen[el.UUID] = true
		uuids = append(uuids, el.UUID)
	}
	if len(uuids) == 0 {
		return nil
	}
	existing, err := s.store.ElementsByUUID(ctx, uuids)
	if err != nil {
		return databaseError("check uuids", err)
	}
	if len(existing) > 0 {
		return conflictError("uuid " + existing[0].UUID + " already in use by element " + existing[0].ID)
	}
	return nil
}

// GetElementView returns one element with its virtual contains field.
func (s *Service) GetElementView(ctx context.Context, user Principal, branchID, elementID string, opts *FindOptions) (map[string]any, error) {
	docs, err := s.FindElementViews(ctx, user, branchID, []string{elementID}, opts)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, notFoundError("element " + elementID + " not found")
	}
	return docs[0], nil
}

// FindElementViews returns elements of a branch. With no ids it pages through
// the whole branch; with the subtree option each named element brings its
// descendants along. Archived elements appear only when asked for, and named
// ids with no match are absent from the result rather than an error.
func (s *Service) FindElementViews(ctx context.Context, user Principal, branchID string, elementIDs []string, opts *FindOptions) ([]map[string]any, error) {
	if err := opts.validate("element"); err != nil {
		return nil, err
	}
	_, branch, err := s.branchAccess(ctx, user, branchID, rbac.RoleRead)
	if err != nil {
		return nil, err
	}
	if branch.Archived && !opts.archived() {
		return nil, notFoundError("branch " + branchID + " not found")
	}

	full := make([]string, len(elementIDs))
	for i, id := range elementIDs {
		full[i] = s.qualify(branchID, id)
	}
	elements, err := s.store.FindElements(ctx, branchID, full, opts.elementQuery())
	if err != nil {
		return nil, databaseError("find elements", err)
	}
	if opts.subtree() {
		elements, err = s.expandSubtree(ctx, elements, opts.archived())
		if err != nil {
			return nil, err
		}
	}

	childIndex, err := s.childIndex(ctx, elements, opts.archived())
	if err != nil {
		return nil, err
	}
	docs := make([]map[string]any, len(elements))
	for i, el := range elements {
		doc := viewElement(el)
		doc["contains"] = childIndex[el.ID]
		if err := s.populateElement(ctx, doc, el, opts.populate()); err != nil {
			return nil, err
		}
		docs[i] = applyFields(doc, opts.fields(), "id", "contains")
	}
	return docs, nil
}

// expandSubtree walks containment breadth-first from the given elements. The
// visited set makes traversal terminate even if stored data has a parent
// cycle.
func (s *Service) expandSubtree(ctx context.Context, roots []store.Element, includeArchived bool) ([]store.Element, error) {
	out := make([]store.Element, 0, len(roots))
	visited := make(map[string]bool, len(roots))
	frontier := make([]string, 0, len(roots))
	for _, el := range roots {
		if visited[el.ID] {
			continue
		}
		visited[el.ID] = true
		out = append(out, el)
		frontier = append(frontier, el.ID)
	}
	for len(frontier) > 0 {
		children, err := s.store.ChildrenOf(ctx, frontier, includeArchived)
		if err != nil {
			return nil, databaseError("expand subtree", err)
		}
		frontier = frontier[:0]
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			out = append(out, child)
			frontier = append(frontier, child.ID)
		}
	}
	return out, nil
}

// childIndex maps element id to the scope-local ids of its children, for the
// virtual contains field.
func (s *Service) childIndex(ctx context.Context, elements []store.Element, includeArchived bool) (map[string][]string, error) {
	parentIDs := make([]string, len(elements))
	for i, el := range elements {
		parentIDs[i] = el.ID
	}
	children, err := s.store.ChildrenOf(ctx, parentIDs, includeArchived)
	if err != nil {
		return nil, databaseError("compute contains", err)
	}
	index := make(map[string][]string, len(elements))
	for _, el := range elements {
		index[el.ID] = []string{}
	}
	for _, child := range children {
		index[child.Parent] = append(index[child.Parent], ids.Local(child.ID))
	}
	return index, nil
}

// UpdateElements applies a batch of partial updates. Like create, the whole
// batch is validated before the first write.
func (s *Service) UpdateElements(ctx context.Context, user Principal, branchID string, inputs []ElementInput) ([]map[string]any, error) {
	project, branch, err := s.writableBranch(ctx, user, branchID)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, validationError("no elements supplied")
	}

	now := s.timestamp()
	batch := &elementBatch{branch: branch, project: project, staged: make(map[string]store.Element, len(inputs))}
	docs := make([]store.Element, 0, len(inputs))
	for _, in := range inputs {
		id := s.qualify(branchID, in.ID)
		if _, ok := batch.staged[id]; ok {
			return nil, validationError("duplicate element id " + in.ID)
		}
		el, err := s.store.GetElement(ctx, id)
		if err != nil {
			return nil, storeError("element "+id, err)
		}
		if el.BranchID != branchID {
			return nil, validationError("element " + id + " is not on branch " + branchID)
		}

		if in.Name != nil {
			el.Name = *in.Name
		}
		if in.Type != nil {
			el.Type = *in.Type
		}
		if in.Documentation != nil {
			el.Documentation = *in.Documentation
		}
		if in.Custom != nil {
			el.Custom = mergeCustom(el.Custom, in.Custom)
		}
		if in.Parent != nil {
			if *in.Parent == "" {
				return nil, validationError("element " + id + " cannot be moved to root")
			}
			el.Parent = s.qualify(branchID, *in.Parent)
		}
		if in.Source != nil {
			el.Source = ""
			if *in.Source != "" {
				el.Source = s.qualify(branchID, *in.Source)
			}
		}
		if in.Target != nil {
			el.Target = ""
			if *in.Target != "" {
				el.Target = s.qualify(branchID, *in.Target)
			}
		}
		if in.Archived != nil && *in.Archived != el.Archived {
			setArchiveState(&el.Archived, &el.ArchivedOn, &el.ArchivedBy, *in.Archived, user.Username, now)
		}
		el.LastModifiedBy = user.Username
		el.UpdatedOn = now
		batch.staged[id] = el
		docs = append(docs, el)
	}

	for i, in := range inputs {
		el := docs[i]
		if in.Parent != nil {
			if err := s.checkParentRef(ctx, batch, el.ID, el.Parent); err != nil {
				return nil, err
			}
			if err := s.checkNoCycle(ctx, batch, el.ID, el.Parent); err != nil {
				return nil, err
			}
		}
		if in.Source != nil {
			if err := s.checkEdgeRef(ctx, batch, el.ID, el.Source, "source"); err != nil {
				return nil, err
			}
		}
		if in.Target != nil {
			if err := s.checkEdgeRef(ctx, batch, el.ID, el.Target, "target"); err != nil {
				return nil, err
			}
		}
	}

	if err := s.store.UpdateElements(ctx, docs); err != nil {
		return nil, databaseError("update elements", err)
	}
	s.indexElements(ctx, docs)
	views := make([]map[string]any, len(docs))
	for i, el := range docs {
		views[i] = viewElement(el)
	}
	return views, nil
}

// checkNoCycle rejects a parent move that would put the element above itself.
// It walks up from the new parent to the root, reading staged documents
// first so in-batch moves are seen.
func (s *Service) checkNoCycle(ctx context.Context, batch *elementBatch, elementID, newParent string) error {
	visited := make(map[string]bool)
	current := newParent
	for current != "" {
		if current == elementID {
			return validationError("moving element " + elementID + " under " + newParent + " would create a cycle")
		}
		if visited[current] {
			// Preexisting cycle in stored data; the move does not reach
			// elementID, so allow it rather than wedge the branch.
			return nil
		}
		visited[current] = true
		if staged, ok := batch.staged[current]; ok {
			current = staged.Parent
			continue
		}
		el, err := s.store.GetElement(ctx, current)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return databaseError("walk ancestry of "+current, err)
		}
		current = el.Parent
	}
	return nil
}

// RemoveElements archives the named elements, or with hard set deletes their
// whole subtrees. Hard deletion clears any source or target edges elsewhere
// that pointed into the deleted set, so no dangling references survive.
func (s *Service) RemoveElements(ctx context.Context, user Principal, branchID string, elementIDs []string, hard bool) ([]string, error) {
	_, _, err := s.writableBranch(ctx, user, branchID)
	if err != nil {
		return nil, err
	}
	if len(elementIDs) == 0 {
		return nil, validationError("no elements supplied")
	}

	full := make([]string, len(elementIDs))
	named := make([]store.Element, len(elementIDs))
	for i, id := range elementIDs {
		full[i] = s.qualify(branchID, id)
		el, err := s.store.GetElement(ctx, full[i])
		if err != nil {
			return nil, storeError("element "+full[i], err)
		}
		if el.BranchID != branchID {
			return nil, validationError("element " + full[i] + " is not on branch " + branchID)
		}
		named[i] = el
	}

	if !hard {
		now := s.timestamp()
		for _, el := range named {
			if el.Archived {
				continue
			}
			setArchiveState(&el.Archived, &el.ArchivedOn, &el.ArchivedBy, true, user.Username, now)
			el.LastModifiedBy = user.Username
			el.UpdatedOn = now
			if err := s.store.UpdateElements(ctx, []store.Element{el}); err != nil {
				return nil, databaseError("archive element "+el.ID, err)
			}
		}
		return full, nil
	}

	closure, err := s.expandSubtree(ctx, named, true)
	if err != nil {
		return nil, err
	}
	doomed := make([]string, len(closure))
	for i, el := range closure {
		doomed[i] = el.ID
	}
	if err := s.store.DeleteElements(ctx, doomed); err != nil {
		return nil, databaseError("delete elements", err)
	}
	if err := s.clearDanglingEdges(ctx, doomed); err != nil {
		return nil, err
	}
	s.deindexElements(ctx, doomed)
	return doomed, nil
}

// clearDanglingEdges nulls source and target edges elsewhere that point into
// the deleted id set, and refreshes the index entries of the surviving
// referrers whose edges changed.
func (s *Service) clearDanglingEdges(ctx context.Context, deleted []string) error {
	if len(deleted) == 0 {
		return nil
	}
	doomed := make(map[string]bool, len(deleted))
	for _, id := range deleted {
		doomed[id] = true
	}
	referrers, err := s.store.ReferencesTo(ctx, deleted)
	if err != nil {
		return databaseError("find dangling references", err)
	}
	if err := s.store.ClearReferences(ctx, deleted); err != nil {
		return databaseError("clear dangling references", err)
	}
	touched := make([]store.Element, 0, len(referrers))
	for _, el := range referrers {
		if doomed[el.ID] {
			continue
		}
		if doomed[el.Source] {
			el.Source = ""
		}
		if doomed[el.Target] {
			el.Target = ""
		}
		touched = append(touched, el)
	}
	s.indexElements(ctx, touched)
	return nil
}

// purgeBranchElements hard-deletes a branch's whole element graph and repairs
// edges pointing into it from other branches or projects.
func (s *Service) purgeBranchElements(ctx context.Context, branchID string) error {
	elements, err := s.store.FindElements(ctx, branchID, nil, store.ElementQuery{IncludeArchived: true})
	if err != nil {
		return databaseError("list elements of "+branchID, err)
	}
	doomed := make([]string, len(elements))
	for i, el := range elements {
		doomed[i] = el.ID
	}
	if err := s.store.DeleteElementsByBranch(ctx, branchID); err != nil {
		return databaseError("delete elements of "+branchID, err)
	}
	s.deindexElements(ctx, doomed)
	return s.clearDanglingEdges(ctx, doomed)
}

// populateElement expands reference fields into embedded documents. A
// reference into a project the caller cannot read stays a bare id.
func (s *Service) populateElement(ctx context.Context, doc map[string]any, el store.Element, fields []string) error {
	for _, field := range fields {
		var refID string
		switch field {
		case "parent":
			refID = el.Parent
		case "source":
			refID = el.Source
		case "target":
			refID = el.Target
		case "createdBy", "lastModifiedBy", "archivedBy":
			if err := s.populateUserField(ctx, doc, field); err != nil {
				return err
			}
			continue
		default:
			continue
		}
		if refID == "" {
			continue
		}
		ref, err := s.store.GetElement(ctx, refID)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return databaseError("populate "+field, err)
		}
		doc[field] = viewElement(ref)
	}
	return nil
}
