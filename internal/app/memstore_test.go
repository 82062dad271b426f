package app

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/lmco/mcf/internal/config"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/session"
	"github.com/lmco/mcf/internal/store"
)

// memStore is an in-memory dataStore for controller tests. It mirrors the
// Postgres store's contract: single-document lookups miss with ErrNotFound,
// bulk finds filter silently, deletes are idempotent.
type memStore struct {
	users     map[string]store.User
	orgs      map[string]store.Org
	projects  map[string]store.Project
	branches  map[string]store.Branch
	elements  map[string]store.Element
	webhooks  map[string]store.Webhook
	artifacts map[string]store.Artifact

	failNextInsert bool
}

func newMemStore() *memStore {
	return &memStore{
		users:     map[string]store.User{},
		orgs:      map[string]store.Org{},
		projects:  map[string]store.Project{},
		branches:  map[string]store.Branch{},
		elements:  map[string]store.Element{},
		webhooks:  map[string]store.Webhook{},
		artifacts: map[string]store.Artifact{},
	}
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) GetUser(ctx context.Context, username string) (store.User, error) {
	u, ok := m.users[username]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) FindUsers(ctx context.Context, usernames []string, includeArchived bool) ([]store.User, error) {
	var out []store.User
	for _, u := range m.users {
		if len(usernames) > 0 && !containsString(usernames, u.Username) {
			continue
		}
		if !includeArchived && u.Archived {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *memStore) InsertUsers(ctx context.Context, users []store.User) error {
	for _, u := range users {
		m.users[u.Username] = u
	}
	return nil
}

func (m *memStore) UpdateUser(ctx context.Context, user store.User) error {
	if _, ok := m.users[user.Username]; !ok {
		return store.ErrNotFound
	}
	m.users[user.Username] = user
	return nil
}

func (m *memStore) DeleteUsers(ctx context.Context, usernames []string) error {
	for _, name := range usernames {
		delete(m.users, name)
	}
	return nil
}

func (m *memStore) GetOrg(ctx context.Context, id string) (store.Org, error) {
	o, ok := m.orgs[id]
	if !ok {
		return store.Org{}, store.ErrNotFound
	}
	return o, nil
}

func (m *memStore) FindOrgs(ctx context.Context, ids []string, includeArchived bool) ([]store.Org, error) {
	var out []store.Org
	for _, o := range m.orgs {
		if len(ids) > 0 && !containsString(ids, o.ID) {
			continue
		}
		if !includeArchived && o.Archived {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) InsertOrgs(ctx context.Context, orgs []store.Org) error {
	for _, o := range orgs {
		m.orgs[o.ID] = o
	}
	return nil
}

func (m *memStore) UpdateOrg(ctx context.Context, org store.Org) error {
	if _, ok := m.orgs[org.ID]; !ok {
		return store.ErrNotFound
	}
	m.orgs[org.ID] = org
	return nil
}

// DeleteOrgs mirrors the schema's ON DELETE CASCADE down to branches.
func (m *memStore) DeleteOrgs(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.orgs, id)
		for pid, p := range m.projects {
			if p.OrgID == id {
				m.cascadeProject(pid)
			}
		}
	}
	return nil
}

func (m *memStore) cascadeProject(projectID string) {
	delete(m.projects, projectID)
	for bid, b := range m.branches {
		if b.ProjectID == projectID {
			delete(m.branches, bid)
		}
	}
}

func (m *memStore) GetProject(ctx context.Context, id string) (store.Project, error) {
	p, ok := m.projects[id]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memStore) FindProjects(ctx context.Context, orgID string, ids []string, includeArchived bool) ([]store.Project, error) {
	var out []store.Project
	for _, p := range m.projects {
		if orgID != "" && p.OrgID != orgID {
			continue
		}
		if len(ids) > 0 && !containsString(ids, p.ID) {
			continue
		}
		if !includeArchived && p.Archived {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) InsertProjects(ctx context.Context, projects []store.Project) error {
	for _, p := range projects {
		m.projects[p.ID] = p
	}
	return nil
}

func (m *memStore) UpdateProject(ctx context.Context, project store.Project) error {
	if _, ok := m.projects[project.ID]; !ok {
		return store.ErrNotFound
	}
	m.projects[project.ID] = project
	return nil
}

func (m *memStore) DeleteProjects(ctx context.Context, ids []string) error {
	for _, id := range ids {
		m.cascadeProject(id)
	}
	return nil
}

func (m *memStore) GetBranch(ctx context.Context, id string) (store.Branch, error) {
	b, ok := m.branches[id]
	if !ok {
		return store.Branch{}, store.ErrNotFound
	}
	return b, nil
}

func (m *memStore) FindBranches(ctx context.Context, projectID string, ids []string, includeArchived bool) ([]store.Branch, error) {
	var out []store.Branch
	for _, b := range m.branches {
		if projectID != "" && b.ProjectID != projectID {
			continue
		}
		if len(ids) > 0 && !containsString(ids, b.ID) {
			continue
		}
		if !includeArchived && b.Archived {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) InsertBranches(ctx context.Context, branches []store.Branch) error {
	for _, b := range branches {
		m.branches[b.ID] = b
	}
	return nil
}

func (m *memStore) UpdateBranch(ctx context.Context, branch store.Branch) error {
	if _, ok := m.branches[branch.ID]; !ok {
		return store.ErrNotFound
	}
	m.branches[branch.ID] = branch
	return nil
}

func (m *memStore) DeleteBranches(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.branches, id)
	}
	return nil
}

func (m *memStore) GetElement(ctx context.Context, id string) (store.Element, error) {
	e, ok := m.elements[id]
	if !ok {
		return store.Element{}, store.ErrNotFound
	}
	return e, nil
}

func (m *memStore) FindElements(ctx context.Context, branchID string, ids []string, q store.ElementQuery) ([]store.Element, error) {
	var out []store.Element
	for _, e := range m.elements {
		if branchID != "" && e.BranchID != branchID {
			continue
		}
		if len(ids) > 0 && !containsString(ids, e.ID) {
			continue
		}
		if !q.IncludeArchived && e.Archived {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return nil, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) InsertElements(ctx context.Context, elements []store.Element) error {
	if m.failNextInsert {
		m.failNextInsert = false
		return store.ErrNotFound
	}
	for _, e := range elements {
		m.elements[e.ID] = e
	}
	return nil
}

func (m *memStore) UpdateElements(ctx context.Context, elements []store.Element) error {
	for _, e := range elements {
		if _, ok := m.elements[e.ID]; !ok {
			return store.ErrNotFound
		}
	}
	for _, e := range elements {
		m.elements[e.ID] = e
	}
	return nil
}

func (m *memStore) DeleteElements(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.elements, id)
	}
	return nil
}

func (m *memStore) DeleteElementsByBranch(ctx context.Context, branchID string) error {
	for id, e := range m.elements {
		if e.BranchID == branchID {
			delete(m.elements, id)
		}
	}
	return nil
}

func (m *memStore) ChildrenOf(ctx context.Context, parentIDs []string, includeArchived bool) ([]store.Element, error) {
	var out []store.Element
	for _, e := range m.elements {
		if e.Parent == "" || !containsString(parentIDs, e.Parent) {
			continue
		}
		if !includeArchived && e.Archived {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) RootElement(ctx context.Context, branchID string) (store.Element, error) {
	for _, e := range m.elements {
		if e.BranchID == branchID && e.Parent == "" {
			return e, nil
		}
	}
	return store.Element{}, store.ErrNotFound
}

func (m *memStore) ReferencesTo(ctx context.Context, ids []string) ([]store.Element, error) {
	var out []store.Element
	for _, e := range m.elements {
		if containsString(ids, e.Source) || containsString(ids, e.Target) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ClearReferences(ctx context.Context, ids []string) error {
	for key, e := range m.elements {
		changed := false
		if containsString(ids, e.Source) {
			e.Source = ""
			changed = true
		}
		if containsString(ids, e.Target) {
			e.Target = ""
			changed = true
		}
		if changed {
			m.elements[key] = e
		}
	}
	return nil
}

func (m *memStore) ElementsByUUID(ctx context.Context, uuids []string) ([]store.Element, error) {
	var out []store.Element
	for _, e := range m.elements {
		if e.UUID != "" && containsString(uuids, e.UUID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetWebhook(ctx context.Context, id string) (store.Webhook, error) {
	h, ok := m.webhooks[id]
	if !ok {
		return store.Webhook{}, store.ErrNotFound
	}
	return h, nil
}

func (m *memStore) FindWebhooks(ctx context.Context, reference string, includeArchived bool) ([]store.Webhook, error) {
	var out []store.Webhook
	for _, h := range m.webhooks {
		if reference != "" && h.Reference != reference {
			continue
		}
		if !includeArchived && h.Archived {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) InsertWebhooks(ctx context.Context, hooks []store.Webhook) error {
	for _, h := range hooks {
		m.webhooks[h.ID] = h
	}
	return nil
}

func (m *memStore) UpdateWebhook(ctx context.Context, hook store.Webhook) error {
	if _, ok := m.webhooks[hook.ID]; !ok {
		return store.ErrNotFound
	}
	m.webhooks[hook.ID] = hook
	return nil
}

func (m *memStore) DeleteWebhooks(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.webhooks, id)
	}
	return nil
}

func (m *memStore) DeleteWebhooksByScope(ctx context.Context, scopeID string) error {
	for id, h := range m.webhooks {
		if h.Reference == scopeID || strings.HasPrefix(h.Reference, scopeID+":") {
			delete(m.webhooks, id)
		}
	}
	return nil
}

func (m *memStore) GetArtifact(ctx context.Context, id string) (store.Artifact, error) {
	a, ok := m.artifacts[id]
	if !ok {
		return store.Artifact{}, store.ErrNotFound
	}
	return a, nil
}

func (m *memStore) FindArtifacts(ctx context.Context, branchID string, ids []string, includeArchived bool) ([]store.Artifact, error) {
	var out []store.Artifact
	for _, a := range m.artifacts {
		if branchID != "" && a.BranchID != branchID {
			continue
		}
		if len(ids) > 0 && !containsString(ids, a.ID) {
			continue
		}
		if !includeArchived && a.Archived {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) InsertArtifacts(ctx context.Context, artifacts []store.Artifact) error {
	for _, a := range artifacts {
		m.artifacts[a.ID] = a
	}
	return nil
}

func (m *memStore) UpdateArtifact(ctx context.Context, artifact store.Artifact) error {
	if _, ok := m.artifacts[artifact.ID]; !ok {
		return store.ErrNotFound
	}
	m.artifacts[artifact.ID] = artifact
	return nil
}

func (m *memStore) DeleteArtifacts(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.artifacts, id)
	}
	return nil
}

func (m *memStore) DeleteArtifactsByBranch(ctx context.Context, branchID string) error {
	for id, a := range m.artifacts {
		if a.BranchID == branchID {
			delete(m.artifacts, id)
		}
	}
	return nil
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

// memSessions is an in-memory sessionStore for auth tests.
type memSessions struct {
	sessions map[string]session.Session
	expires  map[string]time.Time
}

func newMemSessions() *memSessions {
	return &memSessions{
		sessions: map[string]session.Session{},
		expires:  map[string]time.Time{},
	}
}

func (m *memSessions) Save(ctx context.Context, tokenHash string, sess session.Session, expiresAt time.Time) error {
	m.sessions[tokenHash] = sess
	m.expires[tokenHash] = expiresAt
	return nil
}

func (m *memSessions) Lookup(ctx context.Context, tokenHash string) (session.Session, error) {
	sess, ok := m.sessions[tokenHash]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return sess, nil
}

func (m *memSessions) Revoke(ctx context.Context, tokenHash string) error {
	delete(m.sessions, tokenHash)
	delete(m.expires, tokenHash)
	return nil
}

var testTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// newTestService builds a Service over the in-memory fakes with a pinned
// clock and no search or blob backends.
func newTestService() (*Service, *memStore) {
	ms := newMemStore()
	return &Service{
		cfg: config.Config{
			AuthSecret: "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 24 * time.Hour,
			Artifacts:  config.ArtifactConfig{Strategy: "local"},
		},
		store:    ms,
		sessions: newMemSessions(),
		now:      func() time.Time { return testTime },
	}, ms
}

// seedHierarchy loads the fixture used across controller tests: the empire
// org owned by vader, its deathstar project, the master branch and a small
// element tree rooted at "model".
func seedHierarchy(ms *memStore) {
	ms.users["vader"] = store.User{Username: "vader", CreatedOn: testTime, UpdatedOn: testTime}
	ms.users["tarkin"] = store.User{Username: "tarkin", CreatedOn: testTime, UpdatedOn: testTime}
	ms.users["leia"] = store.User{Username: "leia", CreatedOn: testTime, UpdatedOn: testTime}

	ms.orgs["empire"] = store.Org{
		ID:          "empire",
		Name:        "Galactic Empire",
		Permissions: rbac.PermissionMap{"vader": rbac.RoleAdmin},
		CreatedBy:   "vader",
	}
	ms.projects["empire:deathstar"] = store.Project{
		ID:          "empire:deathstar",
		OrgID:       "empire",
		Name:        "Death Star",
		Visibility:  store.VisibilityPrivate,
		Permissions: rbac.PermissionMap{"vader": rbac.RoleAdmin},
	}
	ms.branches["empire:deathstar:master"] = store.Branch{
		ID:        "empire:deathstar:master",
		ProjectID: "empire:deathstar",
		Name:      "master",
	}
	ms.elements["empire:deathstar:master:model"] = store.Element{
		ID:       "empire:deathstar:master:model",
		BranchID: "empire:deathstar:master",
		Name:     "Model",
	}
	ms.elements["empire:deathstar:master:reactor"] = store.Element{
		ID:       "empire:deathstar:master:reactor",
		BranchID: "empire:deathstar:master",
		Name:     "Reactor",
		Parent:   "empire:deathstar:master:model",
	}
	ms.elements["empire:deathstar:master:exhaust"] = store.Element{
		ID:       "empire:deathstar:master:exhaust",
		BranchID: "empire:deathstar:master",
		Name:     "Exhaust Port",
		Parent:   "empire:deathstar:master:reactor",
	}
}

var vader = Principal{Username: "vader"}
var tarkin = Principal{Username: "tarkin"}
var leia = Principal{Username: "leia"}
var siteAdmin = Principal{Username: "root", Admin: true}
