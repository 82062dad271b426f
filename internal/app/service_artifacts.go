package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/lmco/mcf/internal/artifacts"
	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

// ArtifactInput is the write shape for artifact metadata updates.
type ArtifactInput struct {
	ID       string         `json:"id"`
	Filename *string        `json:"filename"`
	Custom   map[string]any `json:"custom"`
	Archived *bool          `json:"archived"`
}

// CreateArtifact stores an artifact's payload and metadata under a branch.
// The payload is buffered to compute its checksum before anything is written.
func (s *Service) CreateArtifact(ctx context.Context, user Principal, branchID, artifactID, filename string, body io.Reader) (map[string]any, error) {
	if s.blobs == nil {
		return nil, validationError("artifact storage is not configured")
	}
	_, _, err := s.writableBranch(ctx, user, branchID)
	if err != nil {
		return nil, err
	}
	if !ids.ValidSegment(artifactID) {
		return nil, validationError(fmt.Sprintf("invalid artifact id %q", artifactID))
	}
	id := ids.Join(branchID, artifactID)
	if _, err := s.store.GetArtifact(ctx, id); err == nil {
		return nil, conflictError("artifact " + id + " already exists")
	} else if !isNotFound(err) {
		return nil, databaseError("check artifact "+id, err)
	}

	var buf bytes.Buffer
	checksum, size, err := artifacts.Checksum(io.TeeReader(body, &buf))
	if err != nil {
		return nil, validationError(err.Error())
	}
	location := ids.BranchID(id) + "/" + checksum
	if _, err := s.blobs.Put(ctx, location, &buf); err != nil {
		return nil, databaseError("store artifact payload", err)
	}

	now := s.timestamp()
	doc := store.Artifact{
		ID:             id,
		BranchID:       branchID,
		Filename:       filename,
		Location:       location,
		Strategy:       s.cfg.Artifacts.Strategy,
		Checksum:       checksum,
		Size:           size,
		CreatedBy:      user.Username,
		LastModifiedBy: user.Username,
		CreatedOn:      now,
		UpdatedOn:      now,
	}
	if err := s.store.InsertArtifacts(ctx, []store.Artifact{doc}); err != nil {
		if delErr := s.blobs.Delete(ctx, location); delErr != nil {
			log.Printf("artifacts: CRITICAL: orphaned payload at %s: %v", location, delErr)
		}
		return nil, databaseError("insert artifact", err)
	}
	return viewArtifact(doc), nil
}

func (s *Service) GetArtifactView(ctx context.Context, user Principal, branchID, artifactID string, opts *FindOptions) (map[string]any, error) {
	if err := opts.validate("artifact"); err != nil {
		return nil, err
	}
	artifact, err := s.artifactRead(ctx, user, branchID, artifactID)
	if err != nil {
		return nil, err
	}
	if artifact.Archived && !opts.archived() {
		return nil, notFoundError("artifact " + artifact.ID + " not found")
	}
	return applyFields(viewArtifact(artifact), opts.fields(), "id"), nil
}

// OpenArtifact returns the artifact's payload stream. The caller closes it.
func (s *Service) OpenArtifact(ctx context.Context, user Principal, branchID, artifactID string) (io.ReadCloser, store.Artifact, error) {
	if s.blobs == nil {
		return nil, store.Artifact{}, validationError("artifact storage is not configured")
	}
	artifact, err := s.artifactRead(ctx, user, branchID, artifactID)
	if err != nil {
		return nil, store.Artifact{}, err
	}
	rc, err := s.blobs.Get(ctx, artifact.Location)
	if err == artifacts.ErrNotFound {
		return nil, store.Artifact{}, notFoundError("artifact payload missing for " + artifact.ID)
	}
	if err != nil {
		return nil, store.Artifact{}, databaseError("open artifact payload", err)
	}
	return rc, artifact, nil
}

func (s *Service) artifactRead(ctx context.Context, user Principal, branchID, artifactID string) (store.Artifact, error) {
	_, _, err := s.branchAccess(ctx, user, branchID, rbac.RoleRead)
	if err != nil {
		return store.Artifact{}, err
	}
	id := s.qualify(branchID, artifactID)
	artifact, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return store.Artifact{}, storeError("artifact "+id, err)
	}
	return artifact, nil
}

func (s *Service) FindArtifacts(ctx context.Context, user Principal, branchID string, artifactIDs []string, opts *FindOptions) ([]map[string]any, error) {
	if err := opts.validate("artifact"); err != nil {
		return nil, err
	}
	if _, _, err := s.branchAccess(ctx, user, branchID, rbac.RoleRead); err != nil {
		return nil, err
	}
	full := make([]string, len(artifactIDs))
	for i, id := range artifactIDs {
		full[i] = s.qualify(branchID, id)
	}
	found, err := s.store.FindArtifacts(ctx, branchID, full, opts.archived())
	if err != nil {
		return nil, databaseError("find artifacts", err)
	}
	docs := make([]map[string]any, len(found))
	for i, artifact := range found {
		docs[i] = applyFields(viewArtifact(artifact), opts.fields(), "id")
	}
	return docs, nil
}

// UpdateArtifacts applies partial metadata updates. The payload itself is
// immutable; replace means remove and re-create.
func (s *Service) UpdateArtifacts(ctx context.Context, user Principal, branchID string, inputs []ArtifactInput) ([]map[string]any, error) {
	_, _, err := s.writableBranch(ctx, user, branchID)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, validationError("no artifacts supplied")
	}
	now := s.timestamp()
	views := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		id := s.qualify(branchID, in.ID)
		artifact, err := s.store.GetArtifact(ctx, id)
		if err != nil {
			return nil, storeError("artifact "+id, err)
		}
		if in.Filename != nil {
			artifact.Filename = *in.Filename
		}
		if in.Custom != nil {
			artifact.Custom = mergeCustom(artifact.Custom, in.Custom)
		}
		if in.Archived != nil && *in.Archived != artifact.Archived {
			setArchiveState(&artifact.Archived, &artifact.ArchivedOn, &artifact.ArchivedBy, *in.Archived, user.Username, now)
		}
		artifact.LastModifiedBy = user.Username
		artifact.UpdatedOn = now
		if err := s.store.UpdateArtifact(ctx, artifact); err != nil {
			return nil, databaseError("update artifact "+id, err)
		}
		views = append(views, viewArtifact(artifact))
	}
	return views, nil
}

// RemoveArtifacts archives artifacts, or with hard set deletes metadata and
// payload. Payload deletion failures leave an orphaned blob, logged for
// operator cleanup.
func (s *Service) RemoveArtifacts(ctx context.Context, user Principal, branchID string, artifactIDs []string, hard bool) ([]string, error) {
	_, _, err := s.writableBranch(ctx, user, branchID)
	if err != nil {
		return nil, err
	}
	now := s.timestamp()
	full := make([]string, len(artifactIDs))
	docs := make([]store.Artifact, len(artifactIDs))
	for i, id := range artifactIDs {
		full[i] = s.qualify(branchID, id)
		artifact, err := s.store.GetArtifact(ctx, full[i])
		if err != nil {
			return nil, storeError("artifact "+full[i], err)
		}
		docs[i] = artifact
	}
	if !hard {
		for _, artifact := range docs {
			if artifact.Archived {
				continue
			}
			setArchiveState(&artifact.Archived, &artifact.ArchivedOn, &artifact.ArchivedBy, true, user.Username, now)
			artifact.LastModifiedBy = user.Username
			artifact.UpdatedOn = now
			if err := s.store.UpdateArtifact(ctx, artifact); err != nil {
				return nil, databaseError("archive artifact "+artifact.ID, err)
			}
		}
		return full, nil
	}
	if err := s.store.DeleteArtifacts(ctx, full); err != nil {
		return nil, databaseError("delete artifacts", err)
	}
	if s.blobs != nil {
		for _, artifact := range docs {
			if err := s.blobs.Delete(ctx, artifact.Location); err != nil {
				log.Printf("artifacts: CRITICAL: orphaned payload at %s: %v", artifact.Location, err)
			}
		}
	}
	return full, nil
}
