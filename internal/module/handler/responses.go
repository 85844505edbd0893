package handler

import (
	"modhub/internal/module/cache"
	"modhub/internal/module/models"
)

// MessageResponse acknowledges a mutation.
type MessageResponse struct {
	Message string               `json:"message"`
	Module  *models.ModuleRecord `json:"module,omitempty"`
}

// CheckResponse is the response body for GET /modules/check.
type CheckResponse struct {
	Modules []models.CheckedRecord `json:"modules"`
}

// RefreshResponse is the response body for POST /modules/refresh.
type RefreshResponse struct {
	Modules    int               `json:"modules"`
	Skipped    []SkippedResponse `json:"skipped"`
	WrittenAt  int64             `json:"time"`
	DurationMS int64             `json:"duration_ms"`
}

// SkippedResponse names a module left out of a rebuild.
type SkippedResponse struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// FromReport converts a rebuild report to its response shape.
func FromReport(r *cache.RebuildReport) RefreshResponse {
	skipped := make([]SkippedResponse, 0, len(r.Failures))
	for _, f := range r.Failures {
		skipped = append(skipped, SkippedResponse{Name: f.Name, Error: f.Err.Error()})
	}
	return RefreshResponse{
		Modules:    r.Modules,
		Skipped:    skipped,
		WrittenAt:  r.WrittenAt.Unix(),
		DurationMS: r.Duration.Milliseconds(),
	}
}
