package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lmco/mcf/internal/auth"
	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, tokens, err := s.service.Login(r.Context(), body.Username, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        tokens.AccessToken,
			"refreshToken": tokens.RefreshToken,
			"expiresIn":    tokens.ExpiresIn,
			"username":     user.Username,
			"admin":        user.Admin,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, tokens, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        tokens.AccessToken,
			"refreshToken": tokens.RefreshToken,
			"expiresIn":    tokens.ExpiresIn,
			"username":     user.Username,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)

	// Incoming webhook triggers carry their own token, not a session.
	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "webhooks" && parts[2] == "trigger" {
		var body struct {
			Trigger string `json:"trigger"`
		}
		_ = decodeBody(r, &body)
		headerToken := strings.TrimSpace(r.Header.Get("Mcf-Webhook-Token"))
		queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
		if err := s.service.TriggerIncomingWebhook(r.Context(), parts[3], headerToken, queryToken, body.Trigger); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	user, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/whoami" {
		payload, err := s.service.WhoAmI(r.Context(), user)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, user)
		return
	}

	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "users":
		s.handleUsers(w, r, user, parts[2:])
		return
	case "orgs":
		s.handleOrgs(w, r, user, parts[2:])
		return
	case "projects":
		if r.Method == http.MethodGet && len(parts) == 2 {
			opts, err := parseFindOptions(r.URL.Query(), "project")
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			items, err := s.service.FindProjects(r.Context(), user, "", queryIDs(r), opts)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"projects": items})
			return
		}
	case "webhooks":
		s.handleWebhooks(w, r, user, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleUsers covers /api/users and /api/users/{username}[.../password].
func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, user Principal, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			opts, err := parseFindOptions(r.URL.Query(), "user")
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			items, err := s.service.FindUsers(r.Context(), user, queryList(r, "usernames"), opts)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"users": items})
		case http.MethodPost:
			var inputs []UserInput
			if err := decodeBody(r, &inputs); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.CreateUsers(r.Context(), user, inputs)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"users": items})
		case http.MethodPatch:
			var inputs []UserInput
			if err := decodeBody(r, &inputs); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.UpdateUsers(r.Context(), user, inputs)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"users": items})
		case http.MethodDelete:
			deleted, err := s.service.DeleteUsers(r.Context(), user, queryList(r, "usernames"))
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && r.Method == http.MethodGet {
		payload, err := s.service.GetUserView(r.Context(), user, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 2 && rest[1] == "password" && r.Method == http.MethodPost {
		var body struct {
			OldPassword string `json:"oldPassword"`
			Password    string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), user, rest[0], body.OldPassword, body.Password); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleOrgs dispatches the org tree: orgs, their projects, branches, and the
// element and artifact collections underneath.
func (s *HTTPServer) handleOrgs(w http.ResponseWriter, r *http.Request, user Principal, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			opts, err := parseFindOptions(r.URL.Query(), "org")
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			items, err := s.service.FindOrgs(r.Context(), user, queryIDs(r), opts)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"orgs": items})
		case http.MethodPost:
			var inputs []OrgInput
			if err := decodeBody(r, &inputs); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.CreateOrgs(r.Context(), user, inputs)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"orgs": items})
		case http.MethodPatch:
			var inputs []OrgInput
			if err := decodeBody(r, &inputs); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.UpdateOrgs(r.Context(), user, inputs)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"orgs": items})
		case http.MethodDelete:
			deleted, err := s.service.RemoveOrgs(r.Context(), user, queryIDs(r), queryHard(r))
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	orgID := rest[0]

	if len(rest) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		opts, err := parseFindOptions(r.URL.Query(), "org")
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		payload, err := s.service.GetOrgView(r.Context(), user, orgID, opts)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if rest[1] != "projects" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(rest) == 2 {
		s.handleProjectCollection(w, r, user, orgID)
		return
	}

	projectID := qualifyID(orgID, rest[2])

	if len(rest) == 3 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		opts, err := parseFindOptions(r.URL.Query(), "project")
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		payload, err := s.service.GetProjectView(r.Context(), user, projectID, opts)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if rest[3] != "branches" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(rest) == 4 {
		s.handleBranchCollection(w, r, user, projectID)
		return
	}

	branchID := qualifyID(projectID, rest[4])

	if len(rest) == 5 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		opts, err := parseFindOptions(r.URL.Query(), "branch")
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		payload, err := s.service.GetBranchView(r.Context(), user, branchID, opts)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	switch rest[5] {
	case "elements":
		s.handleElements(w, r, user, branchID, rest[6:])
	case "artifacts":
		s.handleArtifacts(w, r, user, branchID, rest[6:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProjectCollection(w http.ResponseWriter, r *http.Request, user Principal, orgID string) {
	switch r.Method {
	case http.MethodGet:
		opts, err := parseFindOptions(r.URL.Query(), "project")
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		items, err := s.service.FindProjects(r.Context(), user, orgID, qualifyIDs(orgID, queryIDs(r)), opts)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": items})
	case http.MethodPost:
		var inputs []ProjectInput
		if err := decodeBody(r, &inputs); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		items, err := s.service.CreateProjects(r.Context(), user, orgID, inputs)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"projects": items})
	case http.MethodPatch:
		var inputs []ProjectInput
		if err := decodeBody(r, &inputs); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		for i := range inputs {
			inputs[i].ID = qualifyID(orgID, inputs[i].ID)
		}
		items, err := s.service.UpdateProjects(r.Context(), user, inputs)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": items})
	case http.MethodDelete:
		deleted, err := s.service.RemoveProjects(r.Context(), user, qualifyIDs(orgID, queryIDs(r)), queryHard(r))
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleBranchCollection(w http.ResponseWriter, r *http.Request, user Principal, projectID string) {
	switch r.Method {
	case http.MethodGet:
		opts, err := parseFindOptions(r.URL.Query(), "branch")
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		items, err := s.service.FindBranches(r.Context(), user, projectID, qualifyIDs(projectID, queryIDs(r)), opts)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"branches": items})
	case http.MethodPost:
		var inputs []BranchInput
		if err := decodeBody(r, &inputs); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		items, err := s.service.CreateBranches(r.Context(), user, projectID, inputs)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"branches": items})
	case http.MethodPatch:
		var inputs []BranchInput
		if err := decodeBody(r, &inputs); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		for i := range inputs {
			inputs[i].ID = qualifyID(projectID, inputs[i].ID)
		}
		items, err := s.service.UpdateBranches(r.Context(), user, inputs)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"branches": items})
	case http.MethodDelete:
		deleted, err := s.service.RemoveBranches(r.Context(), user, qualifyIDs(projectID, queryIDs(r)), queryHard(r), queryFlag(r, "force"))
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleElements(w http.ResponseWriter, r *http.Request, user Principal, branchID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			opts, err := parseFindOptions(r.URL.Query(), "element")
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			items, err := s.service.FindElementViews(r.Context(), user, branchID, queryIDs(r), opts)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"elements": items})
		case http.MethodPost:
			var inputs []ElementInput
			if err := decodeBody(r, &inputs); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.CreateElements(r.Context(), user, branchID, inputs)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"elements": items})
		case http.MethodPatch:
			var inputs []ElementInput
			if err := decodeBody(r, &inputs); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.UpdateElements(r.Context(), user, branchID, inputs)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"elements": items})
		case http.MethodDelete:
			deleted, err := s.service.RemoveElements(r.Context(), user, branchID, queryIDs(r), queryHard(r))
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && r.Method == http.MethodGet {
		opts, err := parseFindOptions(r.URL.Query(), "element")
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		payload, err := s.service.GetElementView(r.Context(), user, branchID, rest[0], opts)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleArtifacts(w http.ResponseWriter, r *http.Request, user Principal, branchID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			opts, err := parseFindOptions(r.URL.Query(), "artifact")
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			items, err := s.service.FindArtifacts(r.Context(), user, branchID, queryIDs(r), opts)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"artifacts": items})
		case http.MethodPatch:
			var inputs []ArtifactInput
			if err := decodeBody(r, &inputs); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.UpdateArtifacts(r.Context(), user, branchID, inputs)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"artifacts": items})
		case http.MethodDelete:
			deleted, err := s.service.RemoveArtifacts(r.Context(), user, branchID, queryIDs(r), queryHard(r))
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	artifactID := rest[0]

	if len(rest) == 1 {
		switch r.Method {
		case http.MethodPost:
			filename := strings.TrimSpace(r.URL.Query().Get("filename"))
			payload, err := s.service.CreateArtifact(r.Context(), user, branchID, artifactID, filename, r.Body)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		case http.MethodGet:
			opts, err := parseFindOptions(r.URL.Query(), "artifact")
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			payload, err := s.service.GetArtifactView(r.Context(), user, branchID, artifactID, opts)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 2 && rest[1] == "blob" && r.Method == http.MethodGet {
		blob, artifact, err := s.service.OpenArtifact(r.Context(), user, branchID, artifactID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		defer blob.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
		if artifact.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
		}
		if _, err := io.Copy(w, blob); err != nil {
			log.Printf("stream artifact %s: %v", artifact.ID, err)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleWebhooks(w http.ResponseWriter, r *http.Request, user Principal, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			opts, err := parseFindOptions(r.URL.Query(), "webhook")
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			reference := strings.TrimSpace(r.URL.Query().Get("reference"))
			items, err := s.service.FindWebhooks(r.Context(), user, reference, opts)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"webhooks": items})
		case http.MethodPost:
			var inputs []WebhookInput
			if err := decodeBody(r, &inputs); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.CreateWebhooks(r.Context(), user, inputs)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"webhooks": items})
		case http.MethodPatch:
			var inputs []WebhookInput
			if err := decodeBody(r, &inputs); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.UpdateWebhooks(r.Context(), user, inputs)
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"webhooks": items})
		case http.MethodDelete:
			deleted, err := s.service.RemoveWebhooks(r.Context(), user, queryIDs(r))
			if err != nil {
				s.writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && r.Method == http.MethodGet {
		payload, err := s.service.GetWebhookView(r.Context(), user, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, user Principal) {
	query := r.URL.Query()
	q := search.Query{
		Text:          strings.TrimSpace(query.Get("q")),
		FilterType:    search.ResultType(strings.TrimSpace(query.Get("type"))),
		FilterProject: strings.TrimSpace(query.Get("project")),
		FilterBranch:  strings.TrimSpace(query.Get("branch")),
		Limit:         20,
	}
	if raw := strings.TrimSpace(query.Get("archived")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "archived must be a boolean", nil)
			return
		}
		q.IncludeArchived = parsed
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		q.Limit = parsed
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		q.Offset = parsed
	}

	payload, err := s.service.Search(r.Context(), user, q)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Principal{}, false
	}
	user, err := s.service.PrincipalFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Principal{}, false
	}
	return user, true
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Mcf-Webhook-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// queryIDs reads the ids parameter: a comma-separated list, empty meaning all.
func queryIDs(r *http.Request) []string {
	return queryList(r, "ids")
}

func queryList(r *http.Request, key string) []string {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil
	}
	return splitCSV(raw)
}

func queryHard(r *http.Request) bool {
	return queryFlag(r, "hard")
}

func queryFlag(r *http.Request, name string) bool {
	parsed, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && parsed
}

// qualifyID prefixes a path-local id with its parent scope. Already-qualified
// ids pass through so callers can mix forms.
func qualifyID(parentID, id string) string {
	if id == "" || ids.Qualified(id) {
		return id
	}
	return parentID + ids.Delimiter + id
}

func qualifyIDs(parentID string, list []string) []string {
	if len(list) == 0 {
		return nil
	}
	qualified := make([]string, len(list))
	for i, id := range list {
		qualified[i] = qualifyID(parentID, id)
	}
	return qualified
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
