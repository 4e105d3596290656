// Package search finds groups and users by name, Meilisearch-first with a
// Postgres fallback.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultGroup ResultType = "group"
	ResultUser  ResultType = "user"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type ResultType `json:"type"`
	ID   string     `json:"id"`
	Name string     `json:"name"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a name search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// GroupRecord is the data we index for a group.
type GroupRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserRecord is the data we index for a user.
type UserRecord struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
}
