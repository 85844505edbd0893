package models

import (
	"strings"
	"time"
)

// Pagination defaults for module listings.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ListRequest selects a page of the registry.
type ListRequest struct {
	// MaxAge overrides the configured freshness bound when set.
	MaxAge      *time.Duration
	ForceUpdate bool
	Lite        bool
	Page        int
	PageSize    int
}

// ListResult is one page of the registry.
type ListResult struct {
	Modules  []ModuleRecord `json:"modules"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// AddRequest registers or replaces a module record.
type AddRequest struct {
	Name        string `json:"name"`
	IdentityKey string `json:"key,omitempty"`
	Code        string `json:"code,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Normalize trims user-supplied fields. Code is kept verbatim because the
// identity is derived from its exact bytes.
func (r *AddRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.IdentityKey = strings.TrimSpace(r.IdentityKey)
	r.URL = strings.TrimSpace(r.URL)
}

// UpdateResult reports the re-derived record and the key it replaced.
type UpdateResult struct {
	Record      ModuleRecord `json:"module"`
	PreviousKey string       `json:"previous_key"`
	KeyChanged  bool         `json:"key_changed"`
}
