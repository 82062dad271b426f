package app

import (
	"context"
	"net/http"
	"sort"
	"testing"

	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

func str(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func wantStatus(t *testing.T, err error, status int) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	domainErr, ok := err.(*DomainError)
	if !ok {
		t.Fatalf("expected DomainError, got %T: %v", err, err)
	}
	if domainErr.Status != status {
		t.Fatalf("status = %d, want %d (%v)", domainErr.Status, status, err)
	}
}

func TestCreateElementsBuildsTree(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()

	views, err := svc.CreateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "turbolaser", Parent: str("model"), Name: str("Turbolaser")},
		{ID: "barrel", Parent: str("turbolaser")},
	})
	if err != nil {
		t.Fatalf("CreateElements: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d views", len(views))
	}
	if views[0]["id"] != "empire:deathstar:master:turbolaser" {
		t.Fatalf("id = %v", views[0]["id"])
	}
	if views[0]["parent"] != "empire:deathstar:master:model" {
		t.Fatalf("parent = %v", views[0]["parent"])
	}
	// Name defaults to the local id when omitted.
	if views[1]["name"] != "barrel" {
		t.Fatalf("name = %v", views[1]["name"])
	}

	doc, err := svc.GetElementView(ctx, vader, "empire:deathstar:master", "turbolaser", nil)
	if err != nil {
		t.Fatalf("GetElementView: %v", err)
	}
	if got := doc["contains"].([]string); len(got) != 1 || got[0] != "barrel" {
		t.Fatalf("contains = %v", got)
	}
}

func TestCreateElementsIsAllOrNothing(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	before := len(ms.elements)

	_, err := svc.CreateElements(context.Background(), vader, "empire:deathstar:master", []ElementInput{
		{ID: "good", Parent: str("model")},
		{ID: "orphan", Parent: str("ghost")},
	})
	wantStatus(t, err, http.StatusUnprocessableEntity)
	if len(ms.elements) != before {
		t.Fatalf("store changed: %d -> %d elements", before, len(ms.elements))
	}
}

func TestCreateElementsRejectsSecondRoot(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)

	_, err := svc.CreateElements(context.Background(), vader, "empire:deathstar:master", []ElementInput{
		{ID: "rival"},
	})
	wantStatus(t, err, http.StatusUnprocessableEntity)
}

func TestCreateElementsOnTagBranch(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ms.branches["empire:deathstar:v1"] = store.Branch{
		ID:        "empire:deathstar:v1",
		ProjectID: "empire:deathstar",
		Source:    "empire:deathstar:master",
		Tag:       true,
	}

	_, err := svc.CreateElements(context.Background(), vader, "empire:deathstar:v1", []ElementInput{
		{ID: "sneaky", Parent: str("model")},
	})
	wantStatus(t, err, http.StatusForbidden)
}

func TestCreateElementsRequiresWrite(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ms.orgs["empire"] = store.Org{
		ID:          "empire",
		Permissions: rbac.PermissionMap{"vader": rbac.RoleAdmin, "tarkin": rbac.RoleRead},
	}

	_, err := svc.CreateElements(context.Background(), tarkin, "empire:deathstar:master", []ElementInput{
		{ID: "denied", Parent: str("model")},
	})
	wantStatus(t, err, http.StatusForbidden)

	// Org-level write inherits down to the project.
	ms.orgs["empire"] = store.Org{
		ID:          "empire",
		Permissions: rbac.PermissionMap{"vader": rbac.RoleAdmin, "tarkin": rbac.RoleWrite},
	}
	if _, err := svc.CreateElements(context.Background(), tarkin, "empire:deathstar:master", []ElementInput{
		{ID: "granted", Parent: str("model")},
	}); err != nil {
		t.Fatalf("org write should carry down: %v", err)
	}
}

func TestCrossProjectReferenceGating(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ms.projects["empire:tiefighter"] = store.Project{
		ID:          "empire:tiefighter",
		OrgID:       "empire",
		Permissions: rbac.PermissionMap{"vader": rbac.RoleAdmin},
	}
	ms.branches["empire:tiefighter:master"] = store.Branch{
		ID:        "empire:tiefighter:master",
		ProjectID: "empire:tiefighter",
	}
	ms.elements["empire:tiefighter:master:engine"] = store.Element{
		ID:       "empire:tiefighter:master:engine",
		BranchID: "empire:tiefighter:master",
	}
	ctx := context.Background()

	_, err := svc.CreateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "link", Parent: str("model"), Source: str("empire:tiefighter:master:engine"), Target: str("reactor")},
	})
	wantStatus(t, err, http.StatusUnprocessableEntity)

	project := ms.projects["empire:deathstar"]
	project.ProjectReferences = []string{"empire:tiefighter"}
	ms.projects["empire:deathstar"] = project

	views, err := svc.CreateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "link", Parent: str("model"), Source: str("empire:tiefighter:master:engine"), Target: str("reactor")},
	})
	if err != nil {
		t.Fatalf("CreateElements with projectReferences: %v", err)
	}
	if views[0]["source"] != "empire:tiefighter:master:engine" {
		t.Fatalf("source = %v", views[0]["source"])
	}
	if views[0]["target"] != "empire:deathstar:master:reactor" {
		t.Fatalf("target = %v", views[0]["target"])
	}
}

func TestUUIDUniqueness(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()
	const uuid = "123e4567-e89b-12d3-a456-426614174000"

	if _, err := svc.CreateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "first", Parent: str("model"), UUID: uuid},
	}); err != nil {
		t.Fatalf("CreateElements: %v", err)
	}
	_, err := svc.CreateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "second", Parent: str("model"), UUID: uuid},
	})
	wantStatus(t, err, http.StatusConflict)

	_, err = svc.CreateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "third", Parent: str("model"), UUID: "not-a-uuid"},
	})
	wantStatus(t, err, http.StatusUnprocessableEntity)
}

func TestFindElementsSubtree(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()

	docs, err := svc.FindElementViews(ctx, vader, "empire:deathstar:master", []string{"reactor"}, &FindOptions{Subtree: true})
	if err != nil {
		t.Fatalf("FindElementViews: %v", err)
	}
	got := make([]string, len(docs))
	for i, doc := range docs {
		got[i] = doc["shortId"].(string)
	}
	sort.Strings(got)
	want := []string{"exhaust", "reactor"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("subtree = %v, want %v", got, want)
	}
}

func TestSubtreeTerminatesOnStoredCycle(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	// Corrupt the stored data into a parent cycle; traversal must still halt.
	exhaust := ms.elements["empire:deathstar:master:exhaust"]
	reactor := ms.elements["empire:deathstar:master:reactor"]
	reactor.Parent = exhaust.ID
	ms.elements[reactor.ID] = reactor

	docs, err := svc.FindElementViews(context.Background(), vader, "empire:deathstar:master", []string{"reactor"}, &FindOptions{Subtree: true})
	if err != nil {
		t.Fatalf("FindElementViews: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs", len(docs))
	}
}

func TestArchivedElementsHiddenByDefault(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()

	if _, err := svc.RemoveElements(ctx, vader, "empire:deathstar:master", []string{"exhaust"}, false); err != nil {
		t.Fatalf("RemoveElements: %v", err)
	}
	if !ms.elements["empire:deathstar:master:exhaust"].Archived {
		t.Fatal("element not archived")
	}

	docs, err := svc.FindElementViews(ctx, vader, "empire:deathstar:master", nil, nil)
	if err != nil {
		t.Fatalf("FindElementViews: %v", err)
	}
	for _, doc := range docs {
		if doc["shortId"] == "exhaust" {
			t.Fatal("archived element returned without the archived option")
		}
	}

	docs, err = svc.FindElementViews(ctx, vader, "empire:deathstar:master", nil, &FindOptions{Archived: true})
	if err != nil {
		t.Fatalf("FindElementViews archived: %v", err)
	}
	found := false
	for _, doc := range docs {
		if doc["shortId"] == "exhaust" {
			found = true
		}
	}
	if !found {
		t.Fatal("archived element missing with the archived option")
	}
}

func TestHardDeleteCascadesAndClearsReferences(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()
	// A sibling that points at the doomed subtree.
	ms.elements["empire:deathstar:master:probe"] = store.Element{
		ID:       "empire:deathstar:master:probe",
		BranchID: "empire:deathstar:master",
		Parent:   "empire:deathstar:master:model",
		Source:   "empire:deathstar:master:exhaust",
	}

	deleted, err := svc.RemoveElements(ctx, vader, "empire:deathstar:master", []string{"reactor"}, true)
	if err != nil {
		t.Fatalf("RemoveElements: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("deleted = %v", deleted)
	}
	if _, ok := ms.elements["empire:deathstar:master:reactor"]; ok {
		t.Fatal("reactor survived hard delete")
	}
	if _, ok := ms.elements["empire:deathstar:master:exhaust"]; ok {
		t.Fatal("descendant survived hard delete")
	}
	if src := ms.elements["empire:deathstar:master:probe"].Source; src != "" {
		t.Fatalf("dangling source %q survived", src)
	}
}

func TestUpdateElementsMoveRejectsCycle(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()

	_, err := svc.UpdateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "reactor", Parent: str("exhaust")},
	})
	wantStatus(t, err, http.StatusUnprocessableEntity)

	// A legal move is fine.
	if _, err := svc.UpdateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "exhaust", Parent: str("model")},
	}); err != nil {
		t.Fatalf("UpdateElements: %v", err)
	}
	if got := ms.elements["empire:deathstar:master:exhaust"].Parent; got != "empire:deathstar:master:model" {
		t.Fatalf("parent = %q", got)
	}
}

func TestUpdateElementsRootCannotBeReparentedToNothing(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)

	_, err := svc.UpdateElements(context.Background(), vader, "empire:deathstar:master", []ElementInput{
		{ID: "reactor", Parent: str("")},
	})
	wantStatus(t, err, http.StatusUnprocessableEntity)
}

func TestUpdateElementsClearsEdges(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()
	el := ms.elements["empire:deathstar:master:exhaust"]
	el.Source = "empire:deathstar:master:reactor"
	ms.elements[el.ID] = el

	views, err := svc.UpdateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "exhaust", Source: str("")},
	})
	if err != nil {
		t.Fatalf("UpdateElements: %v", err)
	}
	if views[0]["source"] != nil {
		t.Fatalf("source = %v, want nil", views[0]["source"])
	}
	if ms.elements[el.ID].Source != "" {
		t.Fatal("source not cleared in store")
	}
}

func TestFindElementsMissingIDReturnsSubset(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()

	// A find over several ids returns what matched, not an error.
	docs, err := svc.FindElementViews(ctx, vader, "empire:deathstar:master", []string{"reactor", "ghost"}, nil)
	if err != nil {
		t.Fatalf("FindElementViews: %v", err)
	}
	if len(docs) != 1 || docs[0]["shortId"] != "reactor" {
		t.Fatalf("docs = %v", docs)
	}

	// A single-element lookup still reports the miss.
	_, err = svc.GetElementView(ctx, vader, "empire:deathstar:master", "ghost", nil)
	wantStatus(t, err, http.StatusNotFound)
}

func TestPrivateProjectInvisibleToOutsiders(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()

	_, err := svc.FindElementViews(ctx, leia, "empire:deathstar:master", nil, nil)
	wantStatus(t, err, http.StatusForbidden)

	// Internal visibility opens reads to org members only; leia holds nothing
	// on the empire org and stays locked out.
	project := ms.projects["empire:deathstar"]
	project.Visibility = store.VisibilityInternal
	ms.projects["empire:deathstar"] = project
	_, err = svc.FindElementViews(ctx, leia, "empire:deathstar:master", nil, nil)
	wantStatus(t, err, http.StatusForbidden)

	// An org member without a project grant can read but not write.
	ms.orgs["empire"] = store.Org{
		ID:          "empire",
		Permissions: rbac.PermissionMap{"vader": rbac.RoleAdmin, "tarkin": rbac.RoleRead},
	}
	if _, err := svc.FindElementViews(ctx, tarkin, "empire:deathstar:master", nil, nil); err != nil {
		t.Fatalf("internal project should be readable to an org member: %v", err)
	}
	_, err = svc.CreateElements(ctx, tarkin, "empire:deathstar:master", []ElementInput{
		{ID: "sabotage", Parent: str("model")},
	})
	wantStatus(t, err, http.StatusForbidden)
}

func TestCreateElementsRejectsArchivedParent(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()

	if _, err := svc.RemoveElements(ctx, vader, "empire:deathstar:master", []string{"exhaust"}, false); err != nil {
		t.Fatalf("RemoveElements: %v", err)
	}
	_, err := svc.CreateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "vent", Parent: str("exhaust")},
	})
	wantStatus(t, err, http.StatusUnprocessableEntity)

	// An archived parent staged in the same batch is caught too.
	_, err = svc.CreateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "vent", Parent: str("model")},
	})
	if err != nil {
		t.Fatalf("CreateElements: %v", err)
	}
	_, err = svc.UpdateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "vent", Archived: boolPtr(true)},
		{ID: "reactor", Parent: str("vent")},
	})
	wantStatus(t, err, http.StatusUnprocessableEntity)
}

func TestUnarchiveClearsAuditFields(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()

	if _, err := svc.UpdateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "exhaust", Archived: boolPtr(true)},
	}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	el := ms.elements["empire:deathstar:master:exhaust"]
	if !el.Archived || el.ArchivedOn == nil || el.ArchivedBy != "vader" {
		t.Fatalf("archive state = %+v", el)
	}

	if _, err := svc.UpdateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "exhaust", Archived: boolPtr(false)},
	}); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	el = ms.elements["empire:deathstar:master:exhaust"]
	if el.Archived {
		t.Fatal("element still archived")
	}
	if el.ArchivedOn != nil || el.ArchivedBy != "" {
		t.Fatalf("audit fields not cleared: archivedOn=%v archivedBy=%q", el.ArchivedOn, el.ArchivedBy)
	}
}

func TestUpdateElementsUUIDIsImmutable(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()
	const uuid = "123e4567-e89b-12d3-a456-426614174000"

	if _, err := svc.CreateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "shield", Parent: str("model"), UUID: uuid},
	}); err != nil {
		t.Fatalf("CreateElements: %v", err)
	}
	if _, err := svc.UpdateElements(ctx, vader, "empire:deathstar:master", []ElementInput{
		{ID: "shield", Name: str("Shield Generator"), UUID: "9f9c54d2-1a6b-4f6e-8e6d-000000000000"},
	}); err != nil {
		t.Fatalf("UpdateElements: %v", err)
	}
	el := ms.elements["empire:deathstar:master:shield"]
	if el.UUID != uuid {
		t.Fatalf("uuid = %q, want %q", el.UUID, uuid)
	}
	if el.Name != "Shield Generator" {
		t.Fatalf("name = %q", el.Name)
	}
}

func TestFindElementsFieldProjectionKeepsContains(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)

	docs, err := svc.FindElementViews(context.Background(), vader, "empire:deathstar:master", []string{"reactor"}, &FindOptions{Fields: []string{"name"}})
	if err != nil {
		t.Fatalf("FindElementViews: %v", err)
	}
	doc := docs[0]
	if doc["id"] != "empire:deathstar:master:reactor" {
		t.Fatalf("id = %v", doc["id"])
	}
	if got := doc["contains"].([]string); len(got) != 1 || got[0] != "exhaust" {
		t.Fatalf("contains = %v", got)
	}
	if doc["name"] != "Reactor" {
		t.Fatalf("name = %v", doc["name"])
	}
	if _, ok := doc["createdBy"]; ok {
		t.Fatal("projection leaked an unrequested field")
	}
}
