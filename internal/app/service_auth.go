package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/lmco/mcf/internal/auth"
	"github.com/lmco/mcf/internal/authpw"
	"github.com/lmco/mcf/internal/session"
	"github.com/lmco/mcf/internal/store"
)

// Tokens is the credential pair issued at login. The access token is a
// signed, self-contained claim set; the refresh token is an opaque value
// whose hash is stored server-side.
type Tokens struct {
	AccessToken  string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Login authenticates a local account and opens a refresh session. Archived
// accounts cannot log in.
func (s *Service) Login(ctx context.Context, username, password string) (Principal, Tokens, error) {
	u, err := s.store.GetUser(ctx, username)
	if err != nil {
		if isNotFound(err) {
			return Principal{}, Tokens{}, forbiddenError("invalid username or password")
		}
		return Principal{}, Tokens{}, databaseError("look up user "+username, err)
	}
	if u.Archived || !authpw.Check(u.PasswordHash, password) {
		return Principal{}, Tokens{}, forbiddenError("invalid username or password")
	}

	user := Principal{Username: u.Username, Admin: u.Admin}
	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return Principal{}, Tokens{}, err
	}
	return user, tokens, nil
}

// Refresh rotates a refresh session: the presented token is revoked and a
// new pair is issued. The account is re-checked so archival or admin changes
// take effect at the next refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Principal, Tokens, error) {
	if s.sessions == nil {
		return Principal{}, Tokens{}, forbiddenError("session storage is not configured")
	}
	hash := auth.HashToken(refreshToken)
	sess, err := s.sessions.Lookup(ctx, hash)
	if err != nil {
		return Principal{}, Tokens{}, forbiddenError("invalid refresh token")
	}
	u, err := s.store.GetUser(ctx, sess.Username)
	if err != nil || u.Archived {
		_ = s.sessions.Revoke(ctx, hash)
		return Principal{}, Tokens{}, forbiddenError("invalid refresh token")
	}
	if err := s.sessions.Revoke(ctx, hash); err != nil {
		return Principal{}, Tokens{}, databaseError("rotate refresh session", err)
	}

	user := Principal{Username: u.Username, Admin: u.Admin}
	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return Principal{}, Tokens{}, err
	}
	return user, tokens, nil
}

// Logout revokes the refresh session. The access token simply ages out.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if s.sessions == nil || refreshToken == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
}

// PrincipalFromToken validates an access token and returns the caller
// identity. The admin flag comes from the claims; it was checked against the
// store when the token was issued or refreshed.
func (s *Service) PrincipalFromToken(ctx context.Context, token string) (Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Username: claims.Sub, Admin: claims.Admin}, nil
}

func (s *Service) issueTokens(ctx context.Context, user Principal) (Tokens, error) {
	now := s.timestamp()
	accessToken, err := auth.IssueToken([]byte(s.cfg.AuthSecret), auth.Claims{
		Sub:   user.Username,
		Admin: user.Admin,
		JTI:   randomToken(8),
		Exp:   now.Add(s.cfg.AccessTTL).Unix(),
	})
	if err != nil {
		return Tokens{}, databaseError("issue access token", err)
	}

	refreshToken := randomToken(32)
	if s.sessions != nil {
		err = s.sessions.Save(ctx, auth.HashToken(refreshToken), session.Session{
			Username: user.Username,
			Admin:    user.Admin,
		}, now.Add(s.cfg.RefreshTTL))
		if err != nil {
			return Tokens{}, databaseError("save refresh session", err)
		}
	}

	return Tokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

func randomToken(size int) string {
	buf := make([]byte, size)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Bootstrap seeds the site administrator on an empty user table. When no
// password is configured a random one is generated and logged once; the
// operator is expected to rotate it.
func (s *Service) Bootstrap(ctx context.Context) error {
	users, err := s.store.FindUsers(ctx, nil, true)
	if err != nil {
		return fmt.Errorf("bootstrap: list users: %w", err)
	}
	if len(users) > 0 {
		return nil
	}

	password := s.cfg.AdminPassword
	generated := password == ""
	if generated {
		password = randomToken(12)
	}
	hash, err := authpw.Hash(password)
	if err != nil {
		return fmt.Errorf("bootstrap: hash admin password: %w", err)
	}

	now := s.timestamp()
	admin := store.User{
		Username:     s.cfg.AdminUsername,
		PasswordHash: hash,
		Admin:        true,
		CreatedBy:    s.cfg.AdminUsername,
		CreatedOn:    now,
		UpdatedOn:    now,
	}
	admin.LastModifiedBy = s.cfg.AdminUsername
	if err := s.store.InsertUsers(ctx, []store.User{admin}); err != nil {
		return fmt.Errorf("bootstrap: insert admin: %w", err)
	}
	if generated {
		log.Printf("bootstrap: created site admin %q with password %q", admin.Username, password)
	} else {
		log.Printf("bootstrap: created site admin %q", admin.Username)
	}
	return nil
}
