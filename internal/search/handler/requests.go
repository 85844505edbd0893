package handler

import (
	"strings"

	"modhub/internal/search/models"
	dErrors "modhub/pkg/domain-errors"
)

// maxOptions bounds how many caller options one query may rank.
const maxOptions = 5000

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query     string   `json:"query"`
	Options   []string `json:"options"`
	N         int      `json:"n"`
	Threshold *float64 `json:"threshold"`
}

func (r *QueryRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return dErrors.New(dErrors.CodeValidation, "query is required")
	}
	if len(r.Options) > maxOptions {
		return dErrors.New(dErrors.CodeValidation, "too many options")
	}
	if r.N < 0 {
		return dErrors.New(dErrors.CodeValidation, "n must not be negative")
	}
	return nil
}

func (r *QueryRequest) ToModel() models.QueryRequest {
	return models.QueryRequest{Query: r.Query, Options: r.Options, N: r.N, Threshold: r.Threshold}
}

// FilesRequest is the body of POST /files.
type FilesRequest struct {
	Query string `json:"query"`
	Path  string `json:"path"`
	N     int    `json:"n"`
}

func (r *FilesRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return dErrors.New(dErrors.CodeValidation, "query is required")
	}
	if r.N < 0 {
		return dErrors.New(dErrors.CodeValidation, "n must not be negative")
	}
	return nil
}

func (r *FilesRequest) ToModel() models.FilesRequest {
	return models.FilesRequest{Query: r.Query, Path: strings.TrimSpace(r.Path), N: r.N}
}

// FeedbackRequest is the body of POST /feedback.
type FeedbackRequest struct {
	Module string `json:"module"`
}

func (r *FeedbackRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Module = strings.TrimSpace(r.Module)
	if r.Module == "" {
		return dErrors.New(dErrors.CodeValidation, "module is required")
	}
	return nil
}
