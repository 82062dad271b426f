package app

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/lmco/mcf/internal/store"
)

// FindOptions is the declarative option set accepted by every find operation.
// The zero value means: active documents only, no traversal, full documents,
// no pagination.
type FindOptions struct {
	Archived bool
	Subtree  bool
	Populate []string
	Fields   []string
	Limit    int
	Skip     int
	Sort     string
}

// populateAllowed lists the reference fields each model permits populating.
var populateAllowed = map[string][]string{
	"org":      {"createdBy", "lastModifiedBy", "archivedBy"},
	"project":  {"org", "createdBy", "lastModifiedBy", "archivedBy"},
	"branch":   {"source", "createdBy", "lastModifiedBy", "archivedBy"},
	"element":  {"parent", "source", "target", "createdBy", "lastModifiedBy", "archivedBy"},
	"user":     {"createdBy", "lastModifiedBy", "archivedBy"},
	"webhook":  {"createdBy", "lastModifiedBy", "archivedBy"},
	"artifact": {"createdBy", "lastModifiedBy", "archivedBy"},
}

var sortAllowed = map[string]struct{}{
	"id":        {},
	"name":      {},
	"type":      {},
	"createdOn": {},
	"updatedOn": {},
}

// parseFindOptions builds validated FindOptions from query parameters.
func parseFindOptions(query url.Values, model string) (*FindOptions, error) {
	opts := &FindOptions{}
	if v := query.Get("archived"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, validationError("archived must be a boolean")
		}
		opts.Archived = parsed
	}
	if v := query.Get("subtree"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, validationError("subtree must be a boolean")
		}
		opts.Subtree = parsed
	}
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, validationError("limit must be an integer")
		}
		opts.Limit = parsed
	}
	if v := query.Get("skip"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, validationError("skip must be an integer")
		}
		opts.Skip = parsed
	}
	if v := query.Get("populate"); v != "" {
		opts.Populate = splitCSV(v)
	}
	if v := query.Get("fields"); v != "" {
		opts.Fields = splitCSV(v)
	}
	opts.Sort = query.Get("sort")

	if err := opts.validate(model); err != nil {
		return nil, err
	}
	return opts, nil
}

// validate checks an option set against a model's allow-lists. Controllers run
// this on every call so directly-constructed options get the same treatment as
// parsed ones.
func (o *FindOptions) validate(model string) error {
	if o == nil {
		return nil
	}
	if o.Skip < 0 {
		return validationError("skip cannot be negative")
	}
	if o.Limit < 0 {
		return validationError("limit cannot be negative")
	}
	allowed, ok := populateAllowed[model]
	if !ok {
		return validationError(fmt.Sprintf("unknown model %q", model))
	}
	for _, field := range o.Populate {
		if !contains(allowed, field) {
			return validationError(fmt.Sprintf("cannot populate field %q on %s", field, model))
		}
	}
	including, excluding := false, false
	for _, field := range o.Fields {
		if strings.HasPrefix(field, "-") {
			excluding = true
		} else {
			including = true
		}
	}
	if including && excluding {
		return validationError("fields cannot mix inclusion and exclusion")
	}
	if o.Sort != "" {
		if _, ok := sortAllowed[strings.TrimPrefix(o.Sort, "-")]; !ok {
			return validationError(fmt.Sprintf("cannot sort by %q", o.Sort))
		}
	}
	return nil
}

func (o *FindOptions) archived() bool {
	return o != nil && o.Archived
}

func (o *FindOptions) subtree() bool {
	return o != nil && o.Subtree
}

func (o *FindOptions) fields() []string {
	if o == nil {
		return nil
	}
	return o.Fields
}

func (o *FindOptions) populate() []string {
	if o == nil {
		return nil
	}
	return o.Populate
}

func (o *FindOptions) elementQuery() store.ElementQuery {
	if o == nil {
		return store.ElementQuery{}
	}
	return store.ElementQuery{
		IncludeArchived: o.Archived,
		Limit:           o.Limit,
		Skip:            o.Skip,
		Sort:            o.Sort,
	}
}

// applyFields projects a shaped document to the requested field set. Fields
// named in always survive every projection.
func applyFields(doc map[string]any, fields []string, always ...string) map[string]any {
	if len(fields) == 0 {
		return doc
	}
	excluding := strings.HasPrefix(fields[0], "-")
	projected := make(map[string]any, len(doc))
	if excluding {
		excluded := make(map[string]struct{}, len(fields))
		for _, field := range fields {
			excluded[strings.TrimPrefix(field, "-")] = struct{}{}
		}
		for key, value := range doc {
			if _, skip := excluded[key]; !skip {
				projected[key] = value
			}
		}
	} else {
		for _, field := range fields {
			if value, ok := doc[field]; ok {
				projected[field] = value
			}
		}
	}
	for _, key := range always {
		if value, ok := doc[key]; ok {
			projected[key] = value
		}
	}
	return projected
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
