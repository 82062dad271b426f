package store

import (
	"errors"
	"time"

	"github.com/lmco/mcf/internal/rbac"
)

// ErrNotFound is returned by every single-document lookup that misses.
// Bulk finds return an empty slice instead.
var ErrNotFound = errors.New("not found")

// Project visibility levels.
const (
	VisibilityPrivate  = "private"
	VisibilityInternal = "internal"
)

type User struct {
	Username       string
	Fname          string
	Lname          string
	Email          string
	PasswordHash   string
	Admin          bool
	Custom         map[string]any
	CreatedBy      string
	LastModifiedBy string
	ArchivedBy     string
	CreatedOn      time.Time
	UpdatedOn      time.Time
	Archived       bool
	ArchivedOn     *time.Time
}

type Org struct {
	ID             string
	Name           string
	Permissions    rbac.PermissionMap
	Custom         map[string]any
	CreatedBy      string
	LastModifiedBy string
	ArchivedBy     string
	CreatedOn      time.Time
	UpdatedOn      time.Time
	Archived       bool
	ArchivedOn     *time.Time
}

// Project ids are fully qualified: org:project.
type Project struct {
	ID                string
	OrgID             string
	Name              string
	Permissions       rbac.PermissionMap
	Visibility        string
	ProjectReferences []string
	Custom            map[string]any
	CreatedBy         string
	LastModifiedBy    string
	ArchivedBy        string
	CreatedOn         time.Time
	UpdatedOn         time.Time
	Archived          bool
	ArchivedOn        *time.Time
}

// Branch ids are fully qualified: org:project:branch. Source is the branch the
// element graph was cloned from, empty only for the root master branch.
type Branch struct {
	ID             string
	ProjectID      string
	Name           string
	Source         string
	Tag            bool
	Custom         map[string]any
	CreatedBy      string
	LastModifiedBy string
	ArchivedBy     string
	CreatedOn      time.Time
	UpdatedOn      time.Time
	Archived       bool
	ArchivedOn     *time.Time
}

// Element ids are fully qualified: org:project:branch:element. Parent is empty
// only for the branch root. Source and Target are optional, independent
// reference edges and may point into other projects.
type Element struct {
	ID             string
	BranchID       string
	Name           string
	Type           string
	Parent         string
	Source         string
	Target         string
	Documentation  string
	UUID           string
	Custom         map[string]any
	CreatedBy      string
	LastModifiedBy string
	ArchivedBy     string
	CreatedOn      time.Time
	UpdatedOn      time.Time
	Archived       bool
	ArchivedOn     *time.Time
}

// Webhook types. Outgoing hooks carry a URL to notify; incoming hooks carry a
// token that external callers present to fire a trigger.
const (
	WebhookOutgoing = "outgoing"
	WebhookIncoming = "incoming"
)

// Webhook documents are data only; delivery is out of scope here. Reference is
// the id of the org, project or branch the hook is scoped to.
type Webhook struct {
	ID             string
	Name           string
	Type           string
	Description    string
	Triggers       []string
	Reference      string
	URL            string
	Token          string
	TokenLocation  string
	Custom         map[string]any
	CreatedBy      string
	LastModifiedBy string
	ArchivedBy     string
	CreatedOn      time.Time
	UpdatedOn      time.Time
	Archived       bool
	ArchivedOn     *time.Time
}

// Artifact metadata lives in the store; the blob payload lives in the
// artifacts storage backend under Location.
type Artifact struct {
	ID             string
	BranchID       string
	Filename       string
	Location       string
	Strategy       string
	Checksum       string
	Size           int64
	Custom         map[string]any
	CreatedBy      string
	LastModifiedBy string
	ArchivedBy     string
	CreatedOn      time.Time
	UpdatedOn      time.Time
	Archived       bool
	ArchivedOn     *time.Time
}

// ElementQuery carries the store-level subset of find options. Option
// validation happens in the controller layer; the store only executes.
type ElementQuery struct {
	IncludeArchived bool
	Limit           int
	Skip            int
	Sort            string
}
