package app

import (
	"context"
	"testing"

	"github.com/lmco/mcf/internal/authpw"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

func TestCreateUsersSiteAdminOnly(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)

	_, err := svc.CreateUsers(context.Background(), vader, []UserInput{{Username: "palpatine"}})
	wantStatus(t, err, 403)

	views, err := svc.CreateUsers(context.Background(), siteAdmin, []UserInput{
		{Username: "palpatine", Password: "darkside", Fname: str("Sheev"), Admin: boolPtr(true)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(views) != 1 || views[0]["username"] != "palpatine" {
		t.Fatalf("unexpected views %v", views)
	}
	if _, ok := views[0]["password"]; ok {
		t.Fatal("view leaked a password field")
	}
	u := ms.users["palpatine"]
	if !u.Admin || u.Fname != "Sheev" {
		t.Fatalf("unexpected user %+v", u)
	}
	if !authpw.Check(u.PasswordHash, "darkside") {
		t.Fatal("stored hash does not match the supplied password")
	}

	_, err = svc.CreateUsers(context.Background(), siteAdmin, []UserInput{{Username: "vader"}})
	wantStatus(t, err, 409)
	_, err = svc.CreateUsers(context.Background(), siteAdmin, []UserInput{{Username: "Darth Vader"}})
	wantStatus(t, err, 422)
}

func TestUpdateUsersSelfService(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)

	if _, err := svc.UpdateUsers(context.Background(), tarkin, []UserInput{
		{Username: "tarkin", Fname: str("Wilhuff")},
	}); err != nil {
		t.Fatalf("self update: %v", err)
	}
	if ms.users["tarkin"].Fname != "Wilhuff" {
		t.Fatal("self update not applied")
	}

	_, err := svc.UpdateUsers(context.Background(), tarkin, []UserInput{
		{Username: "leia", Fname: str("General")},
	})
	wantStatus(t, err, 403)

	_, err = svc.UpdateUsers(context.Background(), tarkin, []UserInput{
		{Username: "tarkin", Admin: boolPtr(true)},
	})
	wantStatus(t, err, 403)

	// Site admins may flip flags on anyone but not revoke their own.
	ms.users["root"] = store.User{Username: "root", Admin: true}
	if _, err := svc.UpdateUsers(context.Background(), siteAdmin, []UserInput{
		{Username: "tarkin", Admin: boolPtr(true)},
	}); err != nil {
		t.Fatalf("admin grant: %v", err)
	}
	_, err = svc.UpdateUsers(context.Background(), siteAdmin, []UserInput{
		{Username: "root", Admin: boolPtr(false)},
	})
	wantStatus(t, err, 403)
}

func TestChangePassword(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	hash, err := authpw.Hash("darkside")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := ms.users["vader"]
	u.PasswordHash = hash
	ms.users[u.Username] = u

	err = svc.ChangePassword(context.Background(), vader, "vader", "lightside", "newpass1")
	wantStatus(t, err, 403)

	if err := svc.ChangePassword(context.Background(), vader, "vader", "darkside", "newpass1"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if !authpw.Check(ms.users["vader"].PasswordHash, "newpass1") {
		t.Fatal("new password not stored")
	}

	// Non-admins cannot touch other accounts; site admins reset without the
	// old password.
	err = svc.ChangePassword(context.Background(), vader, "tarkin", "", "newpass2")
	wantStatus(t, err, 403)
	if err := svc.ChangePassword(context.Background(), siteAdmin, "tarkin", "", "newpass2"); err != nil {
		t.Fatalf("admin reset: %v", err)
	}
	if !authpw.Check(ms.users["tarkin"].PasswordHash, "newpass2") {
		t.Fatal("admin reset not stored")
	}
}

func TestDeleteUsersScrubsPermissions(t *testing.T) {
	svc, ms := newTestService()
	seedHierarchy(ms)
	org := ms.orgs["empire"]
	org.Permissions["tarkin"] = rbac.RoleWrite
	ms.orgs[org.ID] = org
	project := ms.projects["empire:deathstar"]
	project.Permissions["tarkin"] = rbac.RoleWrite
	ms.projects[project.ID] = project

	_, err := svc.DeleteUsers(context.Background(), vader, []string{"tarkin"})
	wantStatus(t, err, 403)
	_, err = svc.DeleteUsers(context.Background(), siteAdmin, []string{"root"})
	wantStatus(t, err, 403)
	_, err = svc.DeleteUsers(context.Background(), siteAdmin, []string{"thrawn"})
	wantStatus(t, err, 404)

	if _, err := svc.DeleteUsers(context.Background(), siteAdmin, []string{"tarkin"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := ms.users["tarkin"]; ok {
		t.Fatal("user row survived")
	}
	if _, ok := ms.orgs["empire"].Permissions["tarkin"]; ok {
		t.Fatal("org grant survived the scrub")
	}
	if _, ok := ms.projects["empire:deathstar"].Permissions["tarkin"]; ok {
		t.Fatal("project grant survived the scrub")
	}
}
