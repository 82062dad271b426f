package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultElement ResultType = "element"
	ResultProject ResultType = "project"
	ResultOrg     ResultType = "org"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Snippet  string     `json:"snippet"`
	BranchID string     `json:"branchId,omitempty"`
	Project  string     `json:"project,omitempty"`
	Org      string     `json:"org,omitempty"`
	Archived bool       `json:"archived"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProject   string
	FilterBranch    string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ElementRecord is the data we index for an element. Key is the sanitized
// primary key; Meilisearch document ids cannot contain the colon that
// delimits our own ids.
type ElementRecord struct {
	Key           string `json:"key"`
	ID            string `json:"id"`
	Name          string `json:"name"`
	Documentation string `json:"documentation"`
	ElementType   string `json:"elementType"`
	BranchID      string `json:"branchId"`
	Project       string `json:"project"`
	Org           string `json:"org"`
	Archived      bool   `json:"archived"`
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	Key        string `json:"key"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	Org        string `json:"org"`
	Visibility string `json:"visibility"`
	Archived   bool   `json:"archived"`
}

// OrgRecord is the data we index for an org.
type OrgRecord struct {
	Key      string `json:"key"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Archived bool   `json:"archived"`
}
