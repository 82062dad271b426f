package app

import (
	"time"

	"github.com/lmco/mcf/internal/ids"
	"github.com/lmco/mcf/internal/store"
)

// API views. Every entity carries the same audit block; ids are returned both
// fully qualified ("id") and scope-local ("shortId") so clients can address
// siblings without re-splitting.

func auditView(doc map[string]any, createdBy, lastModifiedBy string, createdOn, updatedOn time.Time, archived bool, archivedBy string, archivedOn *time.Time) {
	doc["createdBy"] = createdBy
	doc["lastModifiedBy"] = lastModifiedBy
	doc["createdOn"] = createdOn.Format(time.RFC3339)
	doc["updatedOn"] = updatedOn.Format(time.RFC3339)
	doc["archived"] = archived
	if archived {
		doc["archivedBy"] = archivedBy
		if archivedOn != nil {
			doc["archivedOn"] = archivedOn.Format(time.RFC3339)
		}
	}
}

func viewUser(u store.User) map[string]any {
	doc := map[string]any{
		"username": u.Username,
		"fname":    u.Fname,
		"lname":    u.Lname,
		"email":    u.Email,
		"admin":    u.Admin,
		"custom":   u.Custom,
	}
	auditView(doc, u.CreatedBy, u.LastModifiedBy, u.CreatedOn, u.UpdatedOn, u.Archived, u.ArchivedBy, u.ArchivedOn)
	return doc
}

func viewOrg(o store.Org) map[string]any {
	doc := map[string]any{
		"id":          o.ID,
		"name":        o.Name,
		"permissions": o.Permissions,
		"custom":      o.Custom,
	}
	auditView(doc, o.CreatedBy, o.LastModifiedBy, o.CreatedOn, o.UpdatedOn, o.Archived, o.ArchivedBy, o.ArchivedOn)
	return doc
}

func viewProject(p store.Project) map[string]any {
	doc := map[string]any{
		"id":                p.ID,
		"shortId":           ids.Local(p.ID),
		"org":               p.OrgID,
		"name":              p.Name,
		"visibility":        p.Visibility,
		"permissions":       p.Permissions,
		"projectReferences": p.ProjectReferences,
		"custom":            p.Custom,
	}
	auditView(doc, p.CreatedBy, p.LastModifiedBy, p.CreatedOn, p.UpdatedOn, p.Archived, p.ArchivedBy, p.ArchivedOn)
	return doc
}

func viewBranch(b store.Branch) map[string]any {
	doc := map[string]any{
		"id":      b.ID,
		"shortId": ids.Local(b.ID),
		"project": b.ProjectID,
		"name":    b.Name,
		"tag":     b.Tag,
		"custom":  b.Custom,
	}
	if b.Source != "" {
		doc["source"] = b.Source
	} else {
		doc["source"] = nil
	}
	auditView(doc, b.CreatedBy, b.LastModifiedBy, b.CreatedOn, b.UpdatedOn, b.Archived, b.ArchivedBy, b.ArchivedOn)
	return doc
}

func viewElement(e store.Element) map[string]any {
	doc := map[string]any{
		"id":            e.ID,
		"shortId":       ids.Local(e.ID),
		"branch":        e.BranchID,
		"project":       ids.ProjectID(e.BranchID),
		"org":           ids.OrgID(e.BranchID),
		"name":          e.Name,
		"type":          e.Type,
		"documentation": e.Documentation,
		"custom":        e.Custom,
	}
	for key, val := range map[string]string{"parent": e.Parent, "source": e.Source, "target": e.Target} {
		if val != "" {
			doc[key] = val
		} else {
			doc[key] = nil
		}
	}
	if e.UUID != "" {
		doc["uuid"] = e.UUID
	}
	auditView(doc, e.CreatedBy, e.LastModifiedBy, e.CreatedOn, e.UpdatedOn, e.Archived, e.ArchivedBy, e.ArchivedOn)
	return doc
}

func viewWebhook(w store.Webhook) map[string]any {
	doc := map[string]any{
		"id":          w.ID,
		"name":        w.Name,
		"type":        w.Type,
		"description": w.Description,
		"triggers":    w.Triggers,
		"reference":   w.Reference,
		"custom":      w.Custom,
	}
	switch w.Type {
	case store.WebhookOutgoing:
		doc["url"] = w.URL
	case store.WebhookIncoming:
		doc["tokenLocation"] = w.TokenLocation
	}
	auditView(doc, w.CreatedBy, w.LastModifiedBy, w.CreatedOn, w.UpdatedOn, w.Archived, w.ArchivedBy, w.ArchivedOn)
	return doc
}

func viewArtifact(a store.Artifact) map[string]any {
	doc := map[string]any{
		"id":       a.ID,
		"shortId":  ids.Local(a.ID),
		"branch":   a.BranchID,
		"filename": a.Filename,
		"location": a.Location,
		"strategy": a.Strategy,
		"checksum": a.Checksum,
		"size":     a.Size,
		"custom":   a.Custom,
	}
	auditView(doc, a.CreatedBy, a.LastModifiedBy, a.CreatedOn, a.UpdatedOn, a.Archived, a.ArchivedBy, a.ArchivedOn)
	return doc
}
