// Package ids implements the colon-delimited composite identifier scheme used
// for organizations, projects, branches and elements. A fully qualified element
// id has the form org:project:branch:element; containment is derived by string
// decomposition, never by store lookups.
package ids

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Delimiter separates the segments of a composite id.
const Delimiter = ":"

// MaxSegmentLength bounds a single id segment.
const MaxSegmentLength = 64

// segmentPattern matches one id segment. The allowed alphabet cannot contain
// the delimiter, which is what makes prefix decomposition unambiguous.
var segmentPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidSegment reports whether value is usable as a single id segment.
func ValidSegment(value string) bool {
	if value == "" || len(value) > MaxSegmentLength {
		return false
	}
	return segmentPattern.MatchString(value)
}

// Join concatenates segments with the delimiter. Segments are assumed to have
// passed ValidSegment at creation time; Join never re-validates.
func Join(segments ...string) string {
	return strings.Join(segments, Delimiter)
}

// Split decomposes a composite id into its segments.
func Split(uid string) []string {
	if uid == "" {
		return nil
	}
	return strings.Split(uid, Delimiter)
}

// Qualified reports whether uid contains a scope prefix, as opposed to being
// a bare local segment.
func Qualified(uid string) bool {
	return strings.Contains(uid, Delimiter)
}

// OrgID returns the organization prefix of any composite id.
func OrgID(uid string) string {
	parts := Split(uid)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// ProjectID returns the org:project prefix of a branch or element id, or ""
// when uid has no project segment.
func ProjectID(uid string) string {
	parts := Split(uid)
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts[:2], Delimiter)
}

// BranchID returns the org:project:branch prefix of an element id, or "" when
// uid has no branch segment.
func BranchID(uid string) string {
	parts := Split(uid)
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:3], Delimiter)
}

// Local returns the last segment of a composite id.
func Local(uid string) string {
	parts := Split(uid)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// Rebase rewrites an element id from one branch namespace into another. The
// local segment is preserved; ids outside fromBranch are returned unchanged,
// which is what keeps cross-project references intact during a branch clone.
func Rebase(uid, fromBranch, toBranch string) string {
	if !strings.HasPrefix(uid, fromBranch+Delimiter) {
		return uid
	}
	return toBranch + strings.TrimPrefix(uid, fromBranch)
}

// NewUUID returns a random element uuid.
func NewUUID() string {
	return uuid.NewString()
}

// ValidUUID reports whether value parses as a uuid.
func ValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
