package handler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"modhub/internal/module/models"
	dErrors "modhub/pkg/domain-errors"
)

// maxCodeBytes bounds inline module code submitted over HTTP.
const maxCodeBytes = 4 << 20

// AddModuleRequest is the HTTP request body for POST /modules.
type AddModuleRequest struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Code string `json:"code"`
	URL  string `json:"url"`
}

// Validate checks shape and size before the service sees the request.
func (r *AddModuleRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Code) > maxCodeBytes {
		return dErrors.New(dErrors.CodeValidation, "code exceeds the size limit")
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	r.Key = strings.TrimSpace(r.Key)
	if r.Key == "" && r.Code == "" {
		return dErrors.New(dErrors.CodeValidation, "either key or code is required")
	}
	return nil
}

// ToModel converts the HTTP request into the service request.
func (r *AddModuleRequest) ToModel() models.AddRequest {
	return models.AddRequest{Name: r.Name, IdentityKey: r.Key, Code: r.Code, URL: r.URL}
}

// parseListQuery reads listing parameters. "tempo" is accepted as an alias
// of "max_age"; both are seconds.
func parseListQuery(q url.Values) (models.ListRequest, error) {
	var req models.ListRequest

	for _, name := range []string{"max_age", "tempo"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return req, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("%s must be a non-negative integer", name))
		}
		maxAge := time.Duration(secs) * time.Second
		req.MaxAge = &maxAge
		break
	}

	var err error
	if req.ForceUpdate, err = parseBool(q, "update", false); err != nil {
		return req, err
	}
	if req.Lite, err = parseBool(q, "lite", true); err != nil {
		return req, err
	}
	if req.Page, err = parseInt(q, "page"); err != nil {
		return req, err
	}
	if req.PageSize, err = parseInt(q, "page_size"); err != nil {
		return req, err
	}
	return req, nil
}

func parseBool(q url.Values, name string, def bool) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("%s must be a boolean", name))
	}
	return v, nil
}

func parseInt(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("%s must be an integer", name))
	}
	return v, nil
}
