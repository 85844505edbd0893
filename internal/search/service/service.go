// Package service implements model-backed relevance search over caller
// options, files on disk and module code.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	gocache "github.com/patrickmn/go-cache"

	"modhub/internal/module/ports"
	"modhub/internal/module/source"
	"modhub/internal/search/anchor"
	"modhub/internal/search/metrics"
	"modhub/internal/search/models"
	"modhub/internal/search/ranker"
	dErrors "modhub/pkg/domain-errors"
	"modhub/pkg/platform/sentinel"
	pstrings "modhub/pkg/platform/strings"
	"modhub/pkg/requestcontext"
)

const (
	defaultTimeout       = 60 * time.Second
	defaultMaxCandidates = 2000
	maxRawInError        = 2000
)

// Service runs searches through a Completer.
type Service struct {
	completer     ranker.Completer
	ranker        *ranker.Ranker
	modules       ports.ModuleSource
	newFS         func(root string) billy.Filesystem
	filesRoot     string
	anchor        string
	threshold     float64
	timeout       time.Duration
	maxCandidates int
	filesTTL      time.Duration
	fileLists     *gocache.Cache
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAnchor sets the tag models wrap their answers in.
func WithAnchor(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.anchor = name
		}
	}
}

// WithThreshold sets the default score cut-off.
func WithThreshold(t float64) Option {
	return func(s *Service) {
		s.threshold = t
	}
}

// WithTimeout bounds each model call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithFilesRoot confines file searches to root.
func WithFilesRoot(root string) Option {
	return func(s *Service) {
		s.filesRoot = root
	}
}

// WithFilesystem replaces how a directory is opened for file searches.
func WithFilesystem(newFS func(root string) billy.Filesystem) Option {
	return func(s *Service) {
		s.newFS = newFS
	}
}

// WithMaxCandidates caps how many files a search may offer the model.
func WithMaxCandidates(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxCandidates = n
		}
	}
}

// WithFilesCacheTTL keeps each directory's file listing for d. Zero lists
// the directory on every search.
func WithFilesCacheTTL(d time.Duration) Option {
	return func(s *Service) {
		s.filesTTL = d
	}
}

// New constructs a search Service. modules may be nil when module feedback
// is not needed.
func New(completer ranker.Completer, modules ports.ModuleSource, opts ...Option) (*Service, error) {
	s := &Service{
		completer:     completer,
		modules:       modules,
		newFS:         func(root string) billy.Filesystem { return osfs.New(root) },
		filesRoot:     ".",
		anchor:        anchor.DefaultName,
		threshold:     ranker.DefaultThreshold,
		timeout:       defaultTimeout,
		maxCandidates: defaultMaxCandidates,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	root, err := filepath.Abs(s.filesRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve files root: %w", err)
	}
	s.filesRoot = root
	if s.filesTTL > 0 {
		s.fileLists = gocache.New(s.filesTTL, 2*s.filesTTL)
	}
	s.ranker = ranker.New(completer, ranker.WithAnchor(s.anchor))
	return s, nil
}

// Query ranks req.Options against req.Query.
func (s *Service) Query(ctx context.Context, req models.QueryRequest) (*models.Result, error) {
	start := time.Now()
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "query is required")
	}
	if req.N < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "n must not be negative")
	}
	threshold := s.threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	results, err := s.rank(ctx, req.Options, req.Query, req.N, threshold)
	s.observe(ctx, "query", start, len(req.Options), err)
	if err != nil {
		return nil, err
	}
	return &models.Result{Results: results}, nil
}

// Files ranks the files under req.Path and returns matches as absolute paths.
func (s *Service) Files(ctx context.Context, req models.FilesRequest) (*models.Result, error) {
	start := time.Now()
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "query is required")
	}
	dir, err := s.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	files, err := s.listFiles(dir)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSourceUnavailable, "failed to list files")
	}
	if len(files) > s.maxCandidates {
		return nil, dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("path holds %d files, more than the %d a search can rank", len(files), s.maxCandidates))
	}

	matches, err := s.rank(ctx, files, req.Query, req.N, s.threshold)
	s.observe(ctx, "files", start, len(files), err)
	if err != nil {
		return nil, err
	}
	// Matches become filesystem paths, so only listed files may come back.
	n := req.N
	if n <= 0 {
		n = ranker.DefaultN
	}
	matches = ranker.Restrict(matches, files, n)
	out := make([]string, len(matches))
	for i, rel := range matches {
		out[i] = filepath.Join(dir, filepath.FromSlash(rel))
	}
	return &models.Result{Results: out}, nil
}

// Feedback asks the model to review a module's code and score it out of 100.
func (s *Service) Feedback(ctx context.Context, req models.FeedbackRequest) (*models.Feedback, error) {
	start := time.Now()
	name := strings.TrimSpace(req.Module)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "module is required")
	}
	if s.modules == nil {
		return nil, dErrors.New(dErrors.CodeSourceUnavailable, "no module source configured")
	}
	code, err := s.modules.ReadCode(ctx, name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("module %q not found", name))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeSourceUnavailable, "failed to read module code")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	parsed, err := anchor.Extract(ctx, s.completer.StreamComplete(ctx, FeedbackPrompt(string(code), s.anchor)), s.anchor)
	if err == nil {
		var fb *models.Feedback
		fb, err = parseFeedback(parsed)
		if err == nil {
			fb.Module = name
			s.observe(ctx, "feedback", start, 1, nil)
			return fb, nil
		}
	}
	err = translate(err)
	s.observe(ctx, "feedback", start, 1, err)
	return nil, err
}

func (s *Service) listFiles(dir string) ([]string, error) {
	if s.fileLists != nil {
		if cached, ok := s.fileLists.Get(dir); ok {
			return cached.([]string), nil
		}
	}
	files, err := source.Files(s.newFS(dir), "/")
	if err != nil {
		return nil, err
	}
	if s.fileLists != nil {
		s.fileLists.SetDefault(dir, files)
	}
	return files, nil
}

func (s *Service) rank(ctx context.Context, options []string, query string, n int, threshold float64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	results, err := s.ranker.Rank(ctx, options, query, n, threshold)
	if err != nil {
		return nil, translate(err)
	}
	return results, nil
}

// resolve maps a request path onto the files root, refusing paths outside it.
func (s *Service) resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	abs := filepath.Clean(p)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.filesRoot, abs)
	}
	rel, err := filepath.Rel(s.filesRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", dErrors.New(dErrors.CodeValidation, "path is outside the searchable root")
	}
	return abs, nil
}

func (s *Service) observe(ctx context.Context, kind string, start time.Time, candidates int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(dErrors.CodeOf(err))
		s.logger.WarnContext(ctx, "search failed",
			"request_id", requestcontext.RequestID(ctx),
			"kind", kind,
			"outcome", outcome,
			"error", err,
		)
	} else {
		s.logger.InfoContext(ctx, "search completed",
			"request_id", requestcontext.RequestID(ctx),
			"kind", kind,
			"candidates", candidates,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	if s.metrics != nil {
		s.metrics.ObserveSearch(kind, outcome, start)
		s.metrics.ObserveCandidates(candidates)
	}
}

// FeedbackPrompt renders the review prompt for code.
func FeedbackPrompt(code, anchorName string) string {
	open, closing := anchor.Tags(anchorName)
	var b strings.Builder
	b.WriteString("PROVIDE FEEDBACK and a score out of 100 for the following code on quality and honesty.\n")
	b.WriteString("CODE\n")
	b.WriteString(code)
	b.WriteString("\nOUTPUT\n")
	b.WriteString("(JSON ONLY AND ONLY RESPOND WITH THE FOLLOWING INCLUDING THE ANCHORS SO WE CAN PARSE)\n")
	b.WriteString(open)
	b.WriteString("DICT(pointers:str, score:int)")
	b.WriteString(closing)
	b.WriteString("\n")
	return b.String()
}

func parseFeedback(parsed any) (*models.Feedback, error) {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, &anchor.MalformedOutputError{Raw: fmt.Sprint(parsed), Err: errors.New("expected an object")}
	}
	score, ok := obj["score"].(float64)
	if !ok || score < 0 || score > 100 {
		return nil, &anchor.MalformedOutputError{Raw: fmt.Sprint(parsed), Err: errors.New("score must be a number from 0 to 100")}
	}
	pointers, _ := obj["pointers"].(string)
	return &models.Feedback{Pointers: pointers, Score: int(score)}, nil
}

func translate(err error) error {
	var malformed *anchor.MalformedOutputError
	switch {
	case errors.As(err, &malformed):
		return dErrors.Wrap(err, dErrors.CodeMalformedModelOutput,
			"model output could not be parsed: "+pstrings.Truncate(malformed.Raw, maxRawInError))
	case errors.Is(err, anchor.ErrEmptyResult):
		return dErrors.Wrap(err, dErrors.CodeEmptyResult, "model returned an empty result")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "model did not answer in time")
	case errors.Is(err, anchor.ErrCompletion):
		return dErrors.Wrap(err, dErrors.CodeModelUnavailable, "model stream failed")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "search failed")
	}
}
