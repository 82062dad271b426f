package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxElements = "mcf_elements"
	idxProjects = "mcf_projects"
	idxOrgs     = "mcf_orgs"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The client is
// kept even when the initial connection fails; the health loop picks it up
// when the search backend comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxElements,
			primaryKey: "key",
			filterable: []string{"branchId", "project", "org", "elementType", "archived"},
			searchable: []string{"name", "documentation"},
		},
		{
			uid:        idxProjects,
			primaryKey: "key",
			filterable: []string{"org", "visibility", "archived"},
			searchable: []string{"name"},
		},
		{
			uid:        idxOrgs,
			primaryKey: "key",
			filterable: []string{"archived"},
			searchable: []string{"name"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries all three indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxElements, ResultElement},
		{idxProjects, ResultProject},
		{idxOrgs, ResultOrg},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.FilterProject != "" && ti.rtyp == ResultElement {
			filters = append(filters, fmt.Sprintf("project = %q", q.FilterProject))
		}
		if q.FilterBranch != "" && ti.rtyp == ResultElement {
			filters = append(filters, fmt.Sprintf("branchId = %q", q.FilterBranch))
		}
		if !q.IncludeArchived {
			filters = append(filters, "archived = false")
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxElements:
		return ResultElement
	case idxProjects:
		return ResultProject
	case idxOrgs:
		return ResultOrg
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.BranchID = decodeString(hit, "branchId")
	r.Project = decodeString(hit, "project")
	r.Org = decodeString(hit, "org")
	r.Archived = decodeBool(hit, "archived")

	r.Name = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
	if rtyp == ResultElement {
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "documentation"), decodeString(hit, "documentation"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeBool(hit meili.Hit, key string) bool {
	raw, ok := hit[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	return false
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// meiliKey sanitizes an id for use as a Meilisearch primary key, which only
// allows alphanumerics, hyphens and underscores.
func meiliKey(id string) string {
	return strings.ReplaceAll(id, ":", "__")
}

// IndexElements bulk-indexes elements.
func (m *Meili) IndexElements(records []ElementRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		records[i].Key = meiliKey(records[i].ID)
	}
	_, err := m.client.Index(idxElements).AddDocuments(records, nil)
	return err
}

// IndexProject adds or updates a project in the search index.
func (m *Meili) IndexProject(p ProjectRecord) error {
	p.Key = meiliKey(p.ID)
	_, err := m.client.Index(idxProjects).AddDocuments([]ProjectRecord{p}, nil)
	return err
}

// IndexOrg adds or updates an org in the search index.
func (m *Meili) IndexOrg(o OrgRecord) error {
	o.Key = meiliKey(o.ID)
	_, err := m.client.Index(idxOrgs).AddDocuments([]OrgRecord{o}, nil)
	return err
}

// DeleteElements removes elements from the search index.
func (m *Meili) DeleteElements(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = meiliKey(id)
	}
	_, err := m.client.Index(idxElements).DeleteDocuments(keys, nil)
	return err
}

// DeleteProject removes a project from the search index.
func (m *Meili) DeleteProject(id string) error {
	_, err := m.client.Index(idxProjects).DeleteDocument(meiliKey(id), nil)
	return err
}

// DeleteOrg removes an org from the search index.
func (m *Meili) DeleteOrg(id string) error {
	_, err := m.client.Index(idxOrgs).DeleteDocument(meiliKey(id), nil)
	return err
}
