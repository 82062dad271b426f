package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/rbac"
	"github.com/lmco/mcf/internal/store"
)

// Webhook trigger events.
var webhookTriggers = map[string]bool{
	"org.updated":      true,
	"project.updated":  true,
	"branch.created":   true,
	"branch.updated":   true,
	"element.created":  true,
	"element.updated":  true,
	"element.removed":  true,
	"artifact.created": true,
}

// WebhookInput is the write shape for webhook creation and updates.
type WebhookInput struct {
	ID            string         `json:"id"`
	Name          *string        `json:"name"`
	Type          string         `json:"type"`
	Description   *string        `json:"description"`
	Triggers      []string       `json:"triggers"`
	Reference     string         `json:"reference"`
	URL           *string        `json:"url"`
	TokenLocation *string        `json:"tokenLocation"`
	Custom        map[string]any `json:"custom"`
	Archived      *bool          `json:"archived"`
}

// referenceAdmin verifies the caller holds admin on the org, project or
// branch a webhook is scoped to, and that the scope exists.
func (s *Service) referenceAdmin(ctx context.Context, user Principal, reference string) error {
	switch len(ids.Split(reference)) {
	case 1:
		_, err := s.orgAccess(ctx, user, reference, rbac.RoleAdmin)
		return err
	case 2:
		_, _, err := s.projectAccess(ctx, user, reference, rbac.RoleAdmin)
		return err
	case 3:
		_, _, err := s.branchAccess(ctx, user, reference, rbac.RoleAdmin)
		return err
	}
	return validationError(fmt.Sprintf("invalid webhook reference %q", reference))
}

// CreateWebhooks registers hooks on an org, project or branch. Incoming hooks
// get a generated token the external caller must present.
func (s *Service) CreateWebhooks(ctx context.Context, user Principal, inputs []WebhookInput) ([]map[string]any, error) {
	if len(inputs) == 0 {
		return nil, validationError("no webhooks supplied")
	}
	now := s.timestamp()
	docs := make([]store.Webhook, 0, len(inputs))
	for _, in := range inputs {
		if err := s.referenceAdmin(ctx, user, in.Reference); err != nil {
			return nil, err
		}
		if in.Type != store.WebhookOutgoing && in.Type != store.WebhookIncoming {
			return nil, validationError(fmt.Sprintf("invalid webhook type %q", in.Type))
		}
		for _, trigger := range in.Triggers {
			if !webhookTriggers[trigger] {
				return nil, validationError(fmt.Sprintf("unknown trigger %q", trigger))
			}
		}
		hook := store.Webhook{
			ID:             ids.NewUUID(),
			Name:           strOr(in.Name, ""),
			Type:           in.Type,
			Description:    strOr(in.Description, ""),
			Triggers:       in.Triggers,
			Reference:      in.Reference,
			Custom:         in.Custom,
			CreatedBy:      user.Username,
			LastModifiedBy: user.Username,
			CreatedOn:      now,
			UpdatedOn:      now,
		}
		switch in.Type {
		case store.WebhookOutgoing:
			if strOr(in.URL, "") == "" {
				return nil, validationError("outgoing webhook requires a url")
			}
			hook.URL = *in.URL
		case store.WebhookIncoming:
			token, err := newWebhookToken()
			if err != nil {
				return nil, databaseError("generate webhook token", err)
			}
			hook.Token = token
			hook.TokenLocation = strOr(in.TokenLocation, "header")
		}
		docs = append(docs, hook)
	}
	if err := s.store.InsertWebhooks(ctx, docs); err != nil {
		return nil, databaseError("insert webhooks", err)
	}
	views := make([]map[string]any, len(docs))
	for i, hook := range docs {
		views[i] = viewWebhook(hook)
		// The token is shown exactly once, at creation.
		if hook.Type == store.WebhookIncoming {
			views[i]["token"] = hook.Token
		}
	}
	return views, nil
}

func (s *Service) GetWebhookView(ctx context.Context, user Principal, hookID string) (map[string]any, error) {
	hook, err := s.store.GetWebhook(ctx, hookID)
	if err != nil {
		return nil, storeError("webhook "+hookID, err)
	}
	if err := s.referenceAdmin(ctx, user, hook.Reference); err != nil {
		return nil, err
	}
	return viewWebhook(hook), nil
}

// FindWebhooks lists the hooks scoped to a reference the caller administers.
func (s *Service) FindWebhooks(ctx context.Context, user Principal, reference string, opts *FindOptions) ([]map[string]any, error) {
	if err := opts.validate("webhook"); err != nil {
		return nil, err
	}
	if err := s.referenceAdmin(ctx, user, reference); err != nil {
		return nil, err
	}
	hooks, err := s.store.FindWebhooks(ctx, reference, opts.archived())
	if err != nil {
		return nil, databaseError("find webhooks", err)
	}
	docs := make([]map[string]any, len(hooks))
	for i, hook := range hooks {
		docs[i] = applyFields(viewWebhook(hook), opts.fields(), "id")
	}
	return docs, nil
}

// UpdateWebhooks applies partial updates. Type and reference are immutable.
func (s *Service) UpdateWebhooks(ctx context.Context, user Principal, inputs []WebhookInput) ([]map[string]any, error) {
	if len(inputs) == 0 {
		return nil, validationError("no webhooks supplied")
	}
	now := s.timestamp()
	views := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		hook, err := s.store.GetWebhook(ctx, in.ID)
		if err != nil {
			return nil, storeError("webhook "+in.ID, err)
		}
		if err := s.referenceAdmin(ctx, user, hook.Reference); err != nil {
			return nil, err
		}
		if in.Name != nil {
			hook.Name = *in.Name
		}
		if in.Description != nil {
			hook.Description = *in.Description
		}
		if in.Triggers != nil {
			for _, trigger := range in.Triggers {
				if !webhookTriggers[trigger] {
					return nil, validationError(fmt.Sprintf("unknown trigger %q", trigger))
				}
			}
			hook.Triggers = in.Triggers
		}
		if in.URL != nil && hook.Type == store.WebhookOutgoing {
			hook.URL = *in.URL
		}
		if in.TokenLocation != nil && hook.Type == store.WebhookIncoming {
			hook.TokenLocation = *in.TokenLocation
		}
		if in.Custom != nil {
			hook.Custom = mergeCustom(hook.Custom, in.Custom)
		}
		if in.Archived != nil && *in.Archived != hook.Archived {
			setArchiveState(&hook.Archived, &hook.ArchivedOn, &hook.ArchivedBy, *in.Archived, user.Username, now)
		}
		hook.LastModifiedBy = user.Username
		hook.UpdatedOn = now
		if err := s.store.UpdateWebhook(ctx, hook); err != nil {
			return nil, databaseError("update webhook "+in.ID, err)
		}
		views = append(views, viewWebhook(hook))
	}
	return views, nil
}

func (s *Service) RemoveWebhooks(ctx context.Context, user Principal, hookIDs []string) ([]string, error) {
	for _, hookID := range hookIDs {
		hook, err := s.store.GetWebhook(ctx, hookID)
		if err != nil {
			return nil, storeError("webhook "+hookID, err)
		}
		if err := s.referenceAdmin(ctx, user, hook.Reference); err != nil {
			return nil, err
		}
	}
	if err := s.store.DeleteWebhooks(ctx, hookIDs); err != nil {
		return nil, databaseError("delete webhooks", err)
	}
	return hookIDs, nil
}

// TriggerIncomingWebhook fires an incoming hook by id and token. The caller
// is external, so the only credential is the token itself. Each hook declares
// where it expects the token, so the handler passes both candidates and the
// hook's tokenLocation picks one.
func (s *Service) TriggerIncomingWebhook(ctx context.Context, hookID, headerToken, queryToken, trigger string) error {
	hook, err := s.store.GetWebhook(ctx, hookID)
	if err != nil {
		return storeError("webhook "+hookID, err)
	}
	if hook.Type != store.WebhookIncoming || hook.Archived {
		return notFoundError("webhook " + hookID + " not found")
	}
	token := headerToken
	if hook.TokenLocation == "query" {
		token = queryToken
	}
	if subtle.ConstantTimeCompare([]byte(hook.Token), []byte(token)) != 1 {
		return forbiddenError("invalid webhook token")
	}
	if !contains(hook.Triggers, trigger) {
		return validationError(fmt.Sprintf("webhook does not listen for %q", trigger))
	}
	return nil
}

func newWebhookToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
