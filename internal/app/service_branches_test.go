package app

import (
	"context"
	"testing"

	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

func TestCreateBranchClonesElements(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	reactor := ms.elements["empire:deathstar:master:reactor"]
	reactor.UUID = "4f2a9c1e-0000-0000-0000-000000000001"
	reactor.Source = "rebels:xwing:master:engine"
	ms.elements[reactor.ID] = reactor

	views, err := svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "dev"},
	})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if len(views) != 1 || views[0]["id"] != "empire:deathstar:dev" {
		t.Fatalf("unexpected views %v", views)
	}

	clone, err := ms.GetElement(context.Background(), "empire:deathstar:dev:reactor")
	if err != nil {
		t.Fatalf("cloned reactor missing: %v", err)
	}
	if clone.BranchID != "empire:deathstar:dev" {
		t.Fatalf("clone branch = %q", clone.BranchID)
	}
	if clone.Parent != "empire:deathstar:dev:model" {
		t.Fatalf("clone parent not rebased: %q", clone.Parent)
	}
	if clone.Source != "rebels:xwing:master:engine" {
		t.Fatalf("foreign reference was rewritten: %q", clone.Source)
	}
	if clone.UUID != "" {
		t.Fatalf("clone kept uuid %q", clone.UUID)
	}
	// The source branch keeps its uuid.
	if ms.elements["empire:deathstar:master:reactor"].UUID == "" {
		t.Fatal("source element lost its uuid")
	}
}

func TestCreateBranchDefaultsSourceToMaster(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)

	if _, err := svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "dev"},
	}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	branch, err := ms.GetBranch(context.Background(), "empire:deathstar:dev")
	if err != nil {
		t.Fatalf("branch missing: %v", err)
	}
	if branch.Source != "empire:deathstar:master" {
		t.Fatalf("source = %q", branch.Source)
	}
}

func TestCreateBranchRollsBackOnCloneFailure(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ms.failNextInsert = true

	_, err := svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "dev"},
	})
	wantStatus(t, err, 500)
	if _, err := ms.GetBranch(context.Background(), "empire:deathstar:dev"); err != store.ErrNotFound {
		t.Fatalf("branch document survived a failed clone: %v", err)
	}
}

func TestCreateBranchConflictsAndMissingSource(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)

	_, err := svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "master"},
	})
	wantStatus(t, err, 409)

	_, err = svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "dev", Source: "ghost"},
	})
	wantStatus(t, err, 404)

	_, err = svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "Not Valid"},
	})
	wantStatus(t, err, 422)
}

func TestMasterBranchIsProtected(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)

	_, err := svc.UpdateBranches(context.Background(), vader, []BranchInput{
		{ID: "empire:deathstar:master", Archived: boolPtr(true)},
	})
	wantStatus(t, err, 403)

	_, err = svc.RemoveBranches(context.Background(), vader, []string{"empire:deathstar:master"}, false, false)
	wantStatus(t, err, 403)
}

func TestUpdateBranchArchiveNeedsAdmin(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	project := ms.projects["empire:deathstar"]
	project.Permissions["tarkin"] = rbac.RoleWrite
	ms.projects[project.ID] = project
	if _, err := svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "dev"},
	}); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	// Write is enough for a rename but not for archiving.
	if _, err := svc.UpdateBranches(context.Background(), tarkin, []BranchInput{
		{ID: "empire:deathstar:dev", Name: str("Development")},
	}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	_, err := svc.UpdateBranches(context.Background(), tarkin, []BranchInput{
		{ID: "empire:deathstar:dev", Archived: boolPtr(true)},
	})
	wantStatus(t, err, 403)

	if _, err := svc.UpdateBranches(context.Background(), vader, []BranchInput{
		{ID: "empire:deathstar:dev", Archived: boolPtr(true)},
	}); err != nil {
		t.Fatalf("archive as admin: %v", err)
	}
	branch := ms.branches["empire:deathstar:dev"]
	if !branch.Archived || branch.ArchivedBy != "vader" || !branch.ArchivedOn.Equal(testTime) {
		t.Fatalf("archive state not recorded: %+v", branch)
	}
}

func TestRemoveBranchesHardCascades(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	if _, err := svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "dev"},
	}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	ms.artifacts["empire:deathstar:dev:plans"] = store.Artifact{
		ID:       "empire:deathstar:dev:plans",
		BranchID: "empire:deathstar:dev",
		Filename: "plans.pdf",
	}
	ms.webhooks["hook-1"] = store.Webhook{
		ID:        "hook-1",
		Type:      store.WebhookOutgoing,
		Reference: "empire:deathstar:dev",
	}

	removed, err := svc.RemoveBranches(context.Background(), vader, []string{"empire:deathstar:dev"}, true, false)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("removed %v", removed)
	}
	if _, ok := ms.branches["empire:deathstar:dev"]; ok {
		t.Fatal("branch row survived")
	}
	for id, e := range ms.elements {
		if e.BranchID == "empire:deathstar:dev" {
			t.Fatalf("element %s survived", id)
		}
	}
	if len(ms.artifacts) != 0 {
		t.Fatal("artifact survived")
	}
	if len(ms.webhooks) != 0 {
		t.Fatal("webhook survived")
	}
	// Master and its elements are untouched.
	if _, ok := ms.branches["empire:deathstar:master"]; !ok {
		t.Fatal("master branch was removed")
	}
	if _, ok := ms.elements["empire:deathstar:master:reactor"]; !ok {
		t.Fatal("master element was removed")
	}
}

func TestSoftRemoveBranchArchives(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	if _, err := svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "dev"},
	}); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	if _, err := svc.RemoveBranches(context.Background(), vader, []string{"empire:deathstar:dev"}, false, false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	branch := ms.branches["empire:deathstar:dev"]
	if !branch.Archived {
		t.Fatal("branch not archived")
	}

	// Archived branches drop out of default finds and gets.
	_, err := svc.GetBranchView(context.Background(), vader, "empire:deathstar:dev", nil)
	wantStatus(t, err, 404)
	docs, err := svc.FindBranches(context.Background(), vader, "empire:deathstar", nil, nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 1 || docs[0]["id"] != "empire:deathstar:master" {
		t.Fatalf("unexpected branches %v", docs)
	}
}

func TestRemoveTagBranchNeedsForce(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	if _, err := svc.CreateBranches(context.Background(), vader, "empire:deathstar", []BranchInput{
		{ID: "v1", Tag: true},
	}); err != nil {
		t.Fatalf("create tag: %v", err)
	}

	_, err := svc.RemoveBranches(context.Background(), vader, []string{"empire:deathstar:v1"}, true, false)
	wantStatus(t, err, 403)
	if _, ok := ms.branches["empire:deathstar:v1"]; !ok {
		t.Fatal("tag branch removed without force")
	}

	if _, err := svc.RemoveBranches(context.Background(), vader, []string{"empire:deathstar:v1"}, true, true); err != nil {
		t.Fatalf("forced remove: %v", err)
	}
	if _, ok := ms.branches["empire:deathstar:v1"]; ok {
		t.Fatal("forced remove left the branch")
	}
}

func TestRemoveBranchesHardClearsCrossBranchReferences(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	ctx := context.Background()
	if _, err := svc.CreateBranches(ctx, vader, "empire:deathstar", []BranchInput{
		{ID: "dev"},
	}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	// An element on master pointing into the doomed branch.
	reactor := ms.elements["empire:deathstar:master:reactor"]
	reactor.Source = "empire:deathstar:dev:model"
	ms.elements[reactor.ID] = reactor

	if _, err := svc.RemoveBranches(ctx, vader, []string{"empire:deathstar:dev"}, true, false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if src := ms.elements["empire:deathstar:master:reactor"].Source; src != "" {
		t.Fatalf("dangling source %q survived branch removal", src)
	}
}
