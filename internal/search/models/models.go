// Package models holds request and result types for relevance search.
package models

// QueryRequest ranks caller-supplied options against a query.
type QueryRequest struct {
	Query     string
	Options   []string
	N         int
	Threshold *float64
}

// FilesRequest ranks the files under Path against a query.
type FilesRequest struct {
	Query string
	Path  string
	N     int
}

// Result is an ordered list of matches, best first.
type Result struct {
	Results []string `json:"results"`
}

// FeedbackRequest asks the model to review a module's code.
type FeedbackRequest struct {
	Module string
}

// Feedback is the model's review of a module.
type Feedback struct {
	Module   string `json:"module"`
	Pointers string `json:"pointers"`
	Score    int    `json:"score"`
}
