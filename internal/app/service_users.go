package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/lmco/mcf/internal/authpw"
	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

// UserInput is the write shape for user creation and bulk updates. Pointer
// fields distinguish "leave alone" from "set to zero value" on update.
type UserInput struct {
	Username string         `json:"username"`
	Fname    *string        `json:"fname"`
	Lname    *string        `json:"lname"`
	Email    *string        `json:"email"`
	Password string         `json:"password"`
	Admin    *bool          `json:"admin"`
	Archived *bool          `json:"archived"`
	Custom   map[string]any `json:"custom"`
}

// WhoAmI returns the caller's own record.
func (s *Service) WhoAmI(ctx context.Context, user Principal) (map[string]any, error) {
	u, err := s.store.GetUser(ctx, user.Username)
	if err != nil {
		return nil, storeError("user "+user.Username, err)
	}
	return viewUser(u), nil
}

// GetUserView returns a single user. Any authenticated user may look up any
// other user; the password hash never leaves the store layer's struct.
func (s *Service) GetUserView(ctx context.Context, user Principal, username string) (map[string]any, error) {
	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, storeError("user "+username, err)
	}
	return viewUser(u), nil
}

func (s *Service) FindUsers(ctx context.Context, user Principal, usernames []string, opts *FindOptions) ([]map[string]any, error) {
	if err := opts.validate("user"); err != nil {
		return nil, err
	}
	users, err := s.store.FindUsers(ctx, usernames, opts.archived())
	if err != nil {
		return nil, databaseError("find users", err)
	}
	docs := make([]map[string]any, len(users))
	for i, u := range users {
		docs[i] = applyFields(viewUser(u), opts.fields(), "username")
	}
	return docs, nil
}

// CreateUsers provisions local accounts. Site admin only.
func (s *Service) CreateUsers(ctx context.Context, user Principal, inputs []UserInput) ([]map[string]any, error) {
	if !user.Admin {
		return nil, forbiddenError("only site admins may create users")
	}
	if len(inputs) == 0 {
		return nil, validationError("no users supplied")
	}

	now := s.timestamp()
	docs := make([]store.User, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if !ids.ValidSegment(in.Username) {
			return nil, validationError(fmt.Sprintf("invalid username %q", in.Username))
		}
		if seen[in.Username] {
			return nil, validationError("duplicate username " + in.Username)
		}
		seen[in.Username] = true
		if _, err := s.store.GetUser(ctx, in.Username); err == nil {
			return nil, conflictError("user " + in.Username + " already exists")
		} else if !isNotFound(err) {
			return nil, databaseError("check user "+in.Username, err)
		}

		u := store.User{
			Username:       in.Username,
			Email:          strOr(in.Email, ""),
			Fname:          strOr(in.Fname, ""),
			Lname:          strOr(in.Lname, ""),
			Admin:          in.Admin != nil && *in.Admin,
			Custom:         in.Custom,
			CreatedBy:      user.Username,
			LastModifiedBy: user.Username,
			CreatedOn:      now,
			UpdatedOn:      now,
		}
		if in.Password != "" {
			hash, err := authpw.Hash(in.Password)
			if err != nil {
				return nil, validationError(err.Error())
			}
			u.PasswordHash = hash
		}
		docs = append(docs, u)
	}

	if err := s.store.InsertUsers(ctx, docs); err != nil {
		return nil, databaseError("insert users", err)
	}
	views := make([]map[string]any, len(docs))
	for i, u := range docs {
		views[i] = viewUser(u)
	}
	return views, nil
}

// UpdateUsers applies partial updates. Site admins may update anyone;
// everyone else may update only their own profile fields, never the admin
// flag or the archived state.
func (s *Service) UpdateUsers(ctx context.Context, user Principal, inputs []UserInput) ([]map[string]any, error) {
	if len(inputs) == 0 {
		return nil, validationError("no users supplied")
	}
	now := s.timestamp()
	views := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		if !user.Admin && in.Username != user.Username {
			return nil, forbiddenError("cannot update user " + in.Username)
		}
		if !user.Admin && (in.Admin != nil || in.Archived != nil) {
			return nil, forbiddenError("only site admins may change admin or archived flags")
		}

		u, err := s.store.GetUser(ctx, in.Username)
		if err != nil {
			return nil, storeError("user "+in.Username, err)
		}
		if in.Fname != nil {
			u.Fname = *in.Fname
		}
		if in.Lname != nil {
			u.Lname = *in.Lname
		}
		if in.Email != nil {
			u.Email = *in.Email
		}
		if in.Admin != nil {
			if in.Username == user.Username && !*in.Admin {
				return nil, forbiddenError("cannot revoke your own admin flag")
			}
			u.Admin = *in.Admin
		}
		if in.Custom != nil {
			u.Custom = mergeCustom(u.Custom, in.Custom)
		}
		if in.Archived != nil && *in.Archived != u.Archived {
			setArchiveState(&u.Archived, &u.ArchivedOn, &u.ArchivedBy, *in.Archived, user.Username, now)
		}
		u.LastModifiedBy = user.Username
		u.UpdatedOn = now

		if err := s.store.UpdateUser(ctx, u); err != nil {
			return nil, databaseError("update user "+in.Username, err)
		}
		views = append(views, viewUser(u))
	}
	return views, nil
}

// ChangePassword verifies the old password before setting the new one. Site
// admins may reset any password without the old one.
func (s *Service) ChangePassword(ctx context.Context, user Principal, username, oldPassword, newPassword string) error {
	if username != user.Username && !user.Admin {
		return forbiddenError("cannot change another user's password")
	}
	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		return storeError("user "+username, err)
	}
	if username == user.Username {
		if !authpw.Check(u.PasswordHash, oldPassword) {
			return forbiddenError("old password does not match")
		}
	}
	hash, err := authpw.Hash(newPassword)
	if err != nil {
		return validationError(err.Error())
	}
	u.PasswordHash = hash
	u.LastModifiedBy = user.Username
	u.UpdatedOn = s.timestamp()
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return databaseError("update user "+username, err)
	}
	return nil
}

// DeleteUsers hard-deletes accounts and scrubs their permission entries from
// every org and project. Site admin only; self-deletion is rejected.
func (s *Service) DeleteUsers(ctx context.Context, user Principal, usernames []string) ([]string, error) {
	if !user.Admin {
		return nil, forbiddenError("only site admins may delete users")
	}
	for _, username := range usernames {
		if username == user.Username {
			return nil, forbiddenError("cannot delete your own account")
		}
		if _, err := s.store.GetUser(ctx, username); err != nil {
			return nil, storeError("user "+username, err)
		}
	}
	if err := s.store.DeleteUsers(ctx, usernames); err != nil {
		return nil, databaseError("delete users", err)
	}
	s.scrubPermissions(ctx, user, usernames)
	return usernames, nil
}

// scrubPermissions removes deleted users from all permission maps. Best
// effort: a failure leaves a stale grant for a nonexistent user, which is
// inert but logged for operator cleanup.
func (s *Service) scrubPermissions(ctx context.Context, user Principal, usernames []string) {
	deleted := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		deleted[u] = true
	}
	orgs, err := s.store.FindOrgs(ctx, nil, true)
	if err != nil {
		log.Printf("users: CRITICAL: permission scrub failed listing orgs: %v", err)
		return
	}
	for _, org := range orgs {
		if scrubMap(org.Permissions, deleted) {
			org.LastModifiedBy = user.Username
			org.UpdatedOn = s.timestamp()
			if err := s.store.UpdateOrg(ctx, org); err != nil {
				log.Printf("users: CRITICAL: permission scrub failed on org %s: %v", org.ID, err)
			}
		}
		projects, err := s.store.FindProjects(ctx, org.ID, nil, true)
		if err != nil {
			log.Printf("users: CRITICAL: permission scrub failed listing projects of %s: %v", org.ID, err)
			continue
		}
		for _, project := range projects {
			if scrubMap(project.Permissions, deleted) {
				project.LastModifiedBy = user.Username
				project.UpdatedOn = s.timestamp()
				if err := s.store.UpdateProject(ctx, project); err != nil {
					log.Printf("users: CRITICAL: permission scrub failed on project %s: %v", project.ID, err)
				}
			}
		}
	}
}

func scrubMap(perms rbac.PermissionMap, deleted map[string]bool) bool {
	changed := false
	for username := range perms {
		if deleted[username] {
			delete(perms, username)
			changed = true
		}
	}
	return changed
}

func strOr(p *string, def string) string {
	if p != nil {
		return *p
	}
	return def
}

// mergeCustom overlays incoming keys onto the stored custom document. A null
// value removes the key.
func mergeCustom(current, incoming map[string]any) map[string]any {
	if current == nil {
		current = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	return current
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
