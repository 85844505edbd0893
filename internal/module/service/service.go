// Package service implements the module registry operations exposed over HTTP
// and the CLI: listing through the registry cache, and CRUD over the store.
package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,Registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modhub/internal/module/cache"
	"modhub/internal/module/identity"
	"modhub/internal/module/models"
	"modhub/internal/module/ports"
	"modhub/internal/module/store"
	dErrors "modhub/pkg/domain-errors"
	"modhub/pkg/platform/sentinel"
	"modhub/pkg/requestcontext"
)

// DefaultURL is recorded for modules registered without an address.
const DefaultURL = "0.0.0.0:8000"

// DefaultMaxAge is the freshness bound applied when a listing names none.
const DefaultMaxAge = 600 * time.Second

// Store persists module records.
type Store interface {
	Add(ctx context.Context, rec models.ModuleRecord) (models.ModuleRecord, error)
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*models.ModuleRecord, error)
	Scan(ctx context.Context) ([]store.Document, error)
	Clear(ctx context.Context) (int, error)
}

// Registry is the cached enumeration of modules known to the source.
type Registry interface {
	List(ctx context.Context, opts cache.ListOptions) ([]models.ModuleRecord, error)
	Refresh(ctx context.Context) (cache.RebuildReport, error)
	Invalidate()
}

// Service coordinates the registry cache, the record store and the source.
type Service struct {
	registry   Registry
	store      Store
	source     ports.ModuleSource
	logger     *slog.Logger
	maxAge     time.Duration
	defaultURL string
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDefaultMaxAge sets the freshness bound for listings that do not specify one.
func WithDefaultMaxAge(d time.Duration) Option {
	return func(s *Service) {
		s.maxAge = d
	}
}

// WithDefaultURL sets the address stored for modules added without one.
func WithDefaultURL(url string) Option {
	return func(s *Service) {
		if url != "" {
			s.defaultURL = url
		}
	}
}

// New constructs a Service.
func New(registry Registry, st Store, source ports.ModuleSource, opts ...Option) *Service {
	s := &Service{
		registry:   registry,
		store:      st,
		source:     source,
		logger:     slog.Default(),
		maxAge:     DefaultMaxAge,
		defaultURL: DefaultURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns one page of the registry.
func (s *Service) List(ctx context.Context, req models.ListRequest) (*models.ListResult, error) {
	page, pageSize, err := normalizePage(req.Page, req.PageSize)
	if err != nil {
		return nil, err
	}
	maxAge := s.maxAge
	if req.MaxAge != nil {
		if *req.MaxAge < 0 {
			return nil, dErrors.New(dErrors.CodeValidation, "max_age must not be negative")
		}
		maxAge = *req.MaxAge
	}

	records, err := s.registry.List(ctx, cache.ListOptions{
		MaxAge:      maxAge,
		ForceUpdate: req.ForceUpdate,
		Lite:        req.Lite,
	})
	if err != nil {
		return nil, translateRegistryErr(err)
	}

	total := len(records)
	start := min((page-1)*pageSize, total)
	end := min(start+pageSize, total)
	return &models.ListResult{
		Modules:  records[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func normalizePage(page, pageSize int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = models.DefaultPageSize
	}
	if page < 1 {
		return 0, 0, dErrors.New(dErrors.CodeValidation, "page must be at least 1")
	}
	if pageSize < 1 || pageSize > models.MaxPageSize {
		return 0, 0, dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("page_size must be between 1 and %d", models.MaxPageSize))
	}
	return page, pageSize, nil
}

// Refresh rebuilds the registry regardless of age.
func (s *Service) Refresh(ctx context.Context) (*cache.RebuildReport, error) {
	report, err := s.registry.Refresh(ctx)
	if err != nil {
		return nil, translateRegistryErr(err)
	}
	return &report, nil
}

// Add registers a module. When code is supplied the identity is derived from
// it, and a caller-supplied key must match.
func (s *Service) Add(ctx context.Context, req models.AddRequest) (*models.ModuleRecord, error) {
	req.Normalize()
	if req.Name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if req.IdentityKey == "" && req.Code == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "either key or code is required")
	}

	rec := models.ModuleRecord{
		Name:        req.Name,
		Code:        req.Code,
		IdentityKey: req.IdentityKey,
		URL:         req.URL,
		Timestamp:   requestcontext.Now(ctx).Unix(),
	}
	if rec.URL == "" {
		rec.URL = s.defaultURL
	}
	if req.Code != "" {
		id, err := identity.Derive(s.source, []byte(req.Code))
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to derive module identity")
		}
		if req.IdentityKey != "" && req.IdentityKey != id.IdentityKey {
			return nil, dErrors.New(dErrors.CodeValidation, "key does not match the identity derived from code")
		}
		rec.IdentityKey = id.IdentityKey
		rec.CryptoScheme = id.CryptoScheme
		rec.ContentHash = id.ContentHash
	}

	saved, err := s.store.Add(ctx, rec)
	if err != nil {
		return nil, translateStoreErr(err, "failed to save module")
	}
	s.logger.InfoContext(ctx, "module added",
		"request_id", requestcontext.RequestID(ctx),
		"name", saved.Name,
		"key", saved.IdentityKey,
	)
	return &saved, nil
}

// Remove deletes the record stored under key.
func (s *Service) Remove(ctx context.Context, key string) error {
	if err := s.store.Remove(ctx, strings.TrimSpace(key)); err != nil {
		return translateStoreErr(err, "failed to remove module")
	}
	s.logger.InfoContext(ctx, "module removed",
		"request_id", requestcontext.RequestID(ctx),
		"key", key,
	)
	return nil
}

// Get returns the record stored under key.
func (s *Service) Get(ctx context.Context, key string, lite bool) (*models.ModuleRecord, error) {
	rec, err := s.store.Get(ctx, strings.TrimSpace(key))
	if err != nil {
		return nil, translateStoreErr(err, "failed to load module")
	}
	if lite {
		out := rec.Lite()
		return &out, nil
	}
	return rec, nil
}

// Update re-derives the identity of a stored module from its current code
// and upserts it. The source is consulted first; the stored code is used when
// the source no longer has the module. A record whose key changed is moved.
func (s *Service) Update(ctx context.Context, key string) (*models.UpdateResult, error) {
	key = strings.TrimSpace(key)
	current, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, translateStoreErr(err, "failed to load module")
	}

	code, err := s.source.ReadCode(ctx, current.Name)
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrNotFound):
		code = []byte(current.Code)
	default:
		return nil, dErrors.Wrap(err, dErrors.CodeSourceUnavailable, "failed to read module code")
	}
	if len(code) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "module has no code to derive an identity from")
	}

	id, err := identity.Derive(s.source, code)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to derive module identity")
	}
	updated := models.NewModuleRecord(current.Name, code, id, requestcontext.Now(ctx).Unix())
	updated.URL = current.URL

	saved, err := s.store.Add(ctx, updated)
	if err != nil {
		return nil, translateStoreErr(err, "failed to save module")
	}
	changed := saved.IdentityKey != key
	if changed {
		if err := s.store.Remove(ctx, key); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return nil, translateStoreErr(err, "failed to remove superseded module")
		}
	}
	s.logger.InfoContext(ctx, "module updated",
		"request_id", requestcontext.RequestID(ctx),
		"name", saved.Name,
		"previous_key", key,
		"key", saved.IdentityKey,
	)
	return &models.UpdateResult{Record: saved, PreviousKey: key, KeyChanged: changed}, nil
}

// Describe derives a single module straight from the source without touching
// the cache or the store.
func (s *Service) Describe(ctx context.Context, name string, lite bool) (*models.ModuleRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "name is required")
	}
	code, err := s.source.ReadCode(ctx, name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("module %q not found", name))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeSourceUnavailable, "failed to read module code")
	}
	id, err := identity.Derive(s.source, code)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to derive module identity")
	}
	rec := models.NewModuleRecord(name, code, id, requestcontext.Now(ctx).Unix())
	rec.URL = s.defaultURL
	if lite {
		rec = rec.Lite()
	}
	return &rec, nil
}

// Check validates every stored document and flags the ones that are
// undecodable, misshapen, filed under the wrong key or whose code no longer
// matches its content hash.
func (s *Service) Check(ctx context.Context) ([]models.CheckedRecord, error) {
	docs, err := s.store.Scan(ctx)
	if err != nil {
		return nil, translateStoreErr(err, "failed to scan modules")
	}
	out := make([]models.CheckedRecord, 0, len(docs))
	for _, doc := range docs {
		checked := models.CheckedRecord{ModuleRecord: doc.Record.Lite(), Check: true}
		if issue := s.issue(doc); issue != "" {
			checked.Check = false
			checked.Issue = issue
			if checked.IdentityKey == "" {
				checked.IdentityKey = doc.Key
			}
		}
		out = append(out, checked)
	}
	return out, nil
}

func (s *Service) issue(doc store.Document) string {
	if doc.Err != nil {
		return "undecodable document"
	}
	if err := doc.Record.Validate(); err != nil {
		return err.Error()
	}
	if doc.Record.IdentityKey != doc.Key {
		return "stored under a different key"
	}
	if doc.Record.Code != "" && doc.Record.ContentHash != "" {
		digest, err := s.source.Hash([]byte(doc.Record.Code))
		if err != nil {
			return "content hash could not be computed"
		}
		if digest != doc.Record.ContentHash {
			return "content hash does not match code"
		}
	}
	return ""
}

// Clear removes every stored record.
func (s *Service) Clear(ctx context.Context) (int, error) {
	n, err := s.store.Clear(ctx)
	if err != nil {
		return n, translateStoreErr(err, "failed to clear modules")
	}
	s.logger.InfoContext(ctx, "modules cleared", "removed", n)
	return n, nil
}

func translateStoreErr(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "module not found")
	case errors.Is(err, sentinel.ErrInvalidKey):
		return dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	case errors.Is(err, identity.ErrIdentityDerivation):
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to derive module identity")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}

func translateRegistryErr(err error) error {
	switch {
	case errors.Is(err, cache.ErrRebuildTimeout), errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "module listing timed out")
	case errors.Is(err, identity.ErrIdentityDerivation):
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to derive module identity")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeSourceUnavailable, "module source unavailable")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list modules")
	}
}
