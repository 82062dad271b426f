// Package app implements the permission-scoped controllers for the
// org/project/branch/element hierarchy. Controllers resolve the acting user's
// effective role before any write, translate find options into store queries,
// and enforce the element graph's referential invariants.
package app

import (
	"context"
	"time"

	"github.com/lmco/mcf/internal/artifacts"
	"github.com/lmco/mcf/internal/config"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/search"
	"github.com/lmco/mcf/internal/session"
	"github.com/lmco/mcf/internal/store"
)

// Principal is the authenticated identity attached to every controller call.
// Authentication itself happens upstream; controllers only consume the result.
type Principal struct {
	Username string
	Admin    bool
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, username string) (store.User, error)
	FindUsers(ctx context.Context, usernames []string, includeArchived bool) ([]store.User, error)
	InsertUsers(ctx context.Context, users []store.User) error
	UpdateUser(ctx context.Context, user store.User) error
	DeleteUsers(ctx context.Context, usernames []string) error

	GetOrg(ctx context.Context, id string) (store.Org, error)
	FindOrgs(ctx context.Context, ids []string, includeArchived bool) ([]store.Org, error)
	InsertOrgs(ctx context.Context, orgs []store.Org) error
	UpdateOrg(ctx context.Context, org store.Org) error
	DeleteOrgs(ctx context.Context, ids []string) error

	GetProject(ctx context.Context, id string) (store.Project, error)
	FindProjects(ctx context.Context, orgID string, ids []string, includeArchived bool) ([]store.Project, error)
	InsertProjects(ctx context.Context, projects []store.Project) error
	UpdateProject(ctx context.Context, project store.Project) error
	DeleteProjects(ctx context.Context, ids []string) error

	GetBranch(ctx context.Context, id string) (store.Branch, error)
	FindBranches(ctx context.Context, projectID string, ids []string, includeArchived bool) ([]store.Branch, error)
	InsertBranches(ctx context.Context, branches []store.Branch) error
	UpdateBranch(ctx context.Context, branch store.Branch) error
	DeleteBranches(ctx context.Context, ids []string) error

	GetElement(ctx context.Context, id string) (store.Element, error)
	FindElements(ctx context.Context, branchID string, ids []string, q store.ElementQuery) ([]store.Element, error)
	InsertElements(ctx context.Context, elements []store.Element) error
	UpdateElements(ctx context.Context, elements []store.Element) error
	DeleteElements(ctx context.Context, ids []string) error
	DeleteElementsByBranch(ctx context.Context, branchID string) error
	ChildrenOf(ctx context.Context, parentIDs []string, includeArchived bool) ([]store.Element, error)
	RootElement(ctx context.Context, branchID string) (store.Element, error)
	ReferencesTo(ctx context.Context, ids []string) ([]store.Element, error)
	ClearReferences(ctx context.Context, ids []string) error
	ElementsByUUID(ctx context.Context, uuids []string) ([]store.Element, error)

	GetWebhook(ctx context.Context, id string) (store.Webhook, error)
	FindWebhooks(ctx context.Context, reference string, includeArchived bool) ([]store.Webhook, error)
	InsertWebhooks(ctx context.Context, hooks []store.Webhook) error
	UpdateWebhook(ctx context.Context, hook store.Webhook) error
	DeleteWebhooks(ctx context.Context, ids []string) error
	DeleteWebhooksByScope(ctx context.Context, scopeID string) error

	GetArtifact(ctx context.Context, id string) (store.Artifact, error)
	FindArtifacts(ctx context.Context, branchID string, ids []string, includeArchived bool) ([]store.Artifact, error)
	InsertArtifacts(ctx context.Context, artifacts []store.Artifact) error
	UpdateArtifact(ctx context.Context, artifact store.Artifact) error
	DeleteArtifacts(ctx context.Context, ids []string) error
	DeleteArtifactsByBranch(ctx context.Context, branchID string) error
}

// sessionStore is the slice of the session package the auth surface needs.
type sessionStore interface {
	Save(ctx context.Context, tokenHash string, sess session.Session, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (session.Session, error)
	Revoke(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	search   *search.Service
	blobs    artifacts.Storage
	now      func() time.Time
}

// New wires the controllers to their collaborators. search and blobs may be
// nil; the features degrade rather than fail.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, searchService *search.Service, blobStorage artifacts.Storage) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		search:   searchService,
		blobs:    blobStorage,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) timestamp() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}

// orgAccess loads an org and verifies the user's effective role on it.
func (s *Service) orgAccess(ctx context.Context, user Principal, orgID string, required rbac.Role) (store.Org, error) {
	org, err := s.store.GetOrg(ctx, orgID)
	if err != nil {
		return store.Org{}, storeError("org "+orgID, err)
	}
	if !rbac.CheckAccess(user.Username, user.Admin, required, org.Permissions) {
		return store.Org{}, forbiddenError("insufficient permissions on org " + orgID)
	}
	return org, nil
}

// projectAccess loads the org and project and verifies the user's effective
// role on the project. Org grants carry down: org admins always hold project
// admin, and every org role implies the same project role.
func (s *Service) projectAccess(ctx context.Context, user Principal, projectID string, required rbac.Role) (store.Org, store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Org{}, store.Project{}, storeError("project "+projectID, err)
	}
	org, err := s.store.GetOrg(ctx, project.OrgID)
	if err != nil {
		return store.Org{}, store.Project{}, storeError("org "+project.OrgID, err)
	}
	if !rbac.CheckAccess(user.Username, user.Admin, required, org.Permissions, project.Permissions) {
		// Internal projects are readable by members of the owning org.
		if required == rbac.RoleRead && project.Visibility == store.VisibilityInternal &&
			rbac.CheckAccess(user.Username, false, rbac.RoleRead, org.Permissions) {
			return org, project, nil
		}
		return store.Org{}, store.Project{}, forbiddenError("insufficient permissions on project " + projectID)
	}
	return org, project, nil
}

// branchAccess resolves a branch through its project's permission chain.
// Branches carry no permission map of their own.
func (s *Service) branchAccess(ctx context.Context, user Principal, branchID string, required rbac.Role) (store.Project, store.Branch, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return store.Project{}, store.Branch{}, storeError("branch "+branchID, err)
	}
	_, project, err := s.projectAccess(ctx, user, branch.ProjectID, required)
	if err != nil {
		return store.Project{}, store.Branch{}, err
	}
	return project, branch, nil
}

func setArchiveState(archived *bool, archivedOn **time.Time, archivedBy *string, flag bool, by string, at time.Time) {
	*archived = flag
	if flag {
		stamp := at
		*archivedOn = &stamp
		*archivedBy = by
	} else {
		*archivedOn = nil
		*archivedBy = ""
	}
}
