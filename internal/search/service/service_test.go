package service

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modhub/internal/module/source"
	"modhub/internal/search/models"
	"modhub/internal/search/ranker"
	dErrors "modhub/pkg/domain-errors"
)

// scripted answers every prompt with the same chunks and remembers the prompt.
type scripted struct {
	chunks []string
	err    error
	prompt string
}

func (s *scripted) StreamComplete(_ context.Context, prompt string) iter.Seq2[string, error] {
	s.prompt = prompt
	return func(yield func(string, error) bool) {
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

func answer(body string) *scripted {
	return &scripted{chunks: []string{"thinking...", "<OUTPUT>", body, "</OUTPUT>"}}
}

func newService(t *testing.T, c ranker.Completer, opts ...Option) *Service {
	t.Helper()
	svc, err := New(c, nil, opts...)
	require.NoError(t, err)
	return svc
}

func TestQuery(t *testing.T) {
	c := answer(`{"data":[["agent",0.92],["model",0.2]]}`)
	svc := newService(t, c)

	res, err := svc.Query(context.Background(), models.QueryRequest{
		Query:   "agents",
		Options: []string{"agent", "model", "agent"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent"}, res.Results)
	assert.Contains(t, c.prompt, `["agent","model"]`)
	assert.Contains(t, c.prompt, "top 10")
}

func TestQueryThresholdOverride(t *testing.T) {
	svc := newService(t, answer(`{"data":[["agent",0.92],["model",0.2]]}`))
	threshold := 0.1

	res, err := svc.Query(context.Background(), models.QueryRequest{
		Query:     "agents",
		Options:   []string{"agent", "model"},
		Threshold: &threshold,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "model"}, res.Results)
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name      string
		completer *scripted
		code      dErrors.Code
	}{
		{name: "malformed", completer: answer("not json"), code: dErrors.CodeMalformedModelOutput},
		{name: "empty", completer: answer("[]"), code: dErrors.CodeEmptyResult},
		{name: "stream failure", completer: &scripted{chunks: []string{"<OUT"}, err: errors.New("503")}, code: dErrors.CodeModelUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newService(t, tt.completer).Query(context.Background(), models.QueryRequest{Query: "q", Options: []string{"a"}})
			require.Error(t, err)
			assert.Equal(t, tt.code, dErrors.CodeOf(err))
		})
	}
}

func TestQueryMalformedMessageCarriesRawOutput(t *testing.T) {
	_, err := newService(t, answer("definitely not json")).Query(context.Background(),
		models.QueryRequest{Query: "q", Options: []string{"a"}})

	var de *dErrors.Error
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Message, "definitely not json")
}

func TestQueryValidation(t *testing.T) {
	svc := newService(t, answer(`{"data":[]}`))

	_, err := svc.Query(context.Background(), models.QueryRequest{Query: "  ", Options: []string{"a"}})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = svc.Query(context.Background(), models.QueryRequest{Query: "q", N: -1})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestQueryTimeout(t *testing.T) {
	blocking := ranker.CompleterFunc(func(ctx context.Context, _ string) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			<-ctx.Done()
			yield("", ctx.Err())
		}
	})
	svc := newService(t, blocking, WithTimeout(20*time.Millisecond))

	_, err := svc.Query(context.Background(), models.QueryRequest{Query: "q", Options: []string{"a"}})
	assert.Equal(t, dErrors.CodeTimeout, dErrors.CodeOf(err))
}

func projectFS(t *testing.T) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for _, name := range []string{"core/module.py", "core/util.py", "docs/readme.md", ".git/HEAD"} {
		require.NoError(t, util.WriteFile(fs, name, []byte("x"), 0o644))
	}
	return fs
}

func TestFiles(t *testing.T) {
	root := filepath.FromSlash("/srv/project")
	fs := projectFS(t)
	var opened string
	c := answer(`{"data":[["core/module.py",0.97],["docs/readme.md",0.4]]}`)
	svc := newService(t, c,
		WithFilesRoot(root),
		WithFilesystem(func(dir string) billy.Filesystem {
			opened = dir
			return fs
		}),
	)

	res, err := svc.Files(context.Background(), models.FilesRequest{Query: "core of the module system"})
	require.NoError(t, err)
	assert.Equal(t, root, opened)
	assert.Equal(t, []string{filepath.Join(root, "core", "module.py")}, res.Results)
	assert.Contains(t, c.prompt, "core/util.py")
	assert.NotContains(t, c.prompt, ".git")
}

func TestFilesOnlyReturnsListedFiles(t *testing.T) {
	root := filepath.FromSlash("/srv/project")
	fs := projectFS(t)
	c := answer(`{"data":[["../../etc/passwd",0.99],["core/util.py",0.9],["core/util.py",0.85],["core/module.py",0.8]]}`)
	svc := newService(t, c, WithFilesRoot(root), WithFilesystem(func(string) billy.Filesystem { return fs }))

	res, err := svc.Files(context.Background(), models.FilesRequest{Query: "utilities", N: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "core", "util.py")}, res.Results)
}

func TestQueryReturnsEveryKeyAboveThreshold(t *testing.T) {
	svc := newService(t, answer(`{"data":[["agent",0.9],["planner",0.8],["model",0.2]]}`))

	res, err := svc.Query(context.Background(), models.QueryRequest{
		Query:   "agents",
		Options: []string{"agent", "model"},
		N:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "planner"}, res.Results)
}

func TestFilesPathConfinement(t *testing.T) {
	root := filepath.FromSlash("/srv/project")
	svc := newService(t, answer(`{"data":[]}`),
		WithFilesRoot(root),
		WithFilesystem(func(string) billy.Filesystem { return memfs.New() }),
	)

	for _, p := range []string{"..", "../other", filepath.FromSlash("/etc")} {
		_, err := svc.Files(context.Background(), models.FilesRequest{Query: "q", Path: p})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation), p)
	}
}

func TestFilesTooManyCandidates(t *testing.T) {
	svc := newService(t, answer(`{"data":[]}`),
		WithFilesRoot("/srv"),
		WithMaxCandidates(2),
		WithFilesystem(func(string) billy.Filesystem { return projectFS(t) }),
	)

	_, err := svc.Files(context.Background(), models.FilesRequest{Query: "q"})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestFeedback(t *testing.T) {
	srcFS := memfs.New()
	require.NoError(t, util.WriteFile(srcFS, "agent.py", []byte("class Agent: pass"), 0o644))
	modules := source.NewDirSource(srcFS)

	c := answer(`{"pointers":"small and clear","score":87}`)
	svc, err := New(c, modules)
	require.NoError(t, err)

	fb, err := svc.Feedback(context.Background(), models.FeedbackRequest{Module: "agent"})
	require.NoError(t, err)
	assert.Equal(t, "agent", fb.Module)
	assert.Equal(t, 87, fb.Score)
	assert.Equal(t, "small and clear", fb.Pointers)
	assert.True(t, strings.Contains(c.prompt, "class Agent: pass"))

	_, err = svc.Feedback(context.Background(), models.FeedbackRequest{Module: "missing"})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

	bad, err := New(answer(`{"pointers":"x","score":"high"}`), modules)
	require.NoError(t, err)
	_, err = bad.Feedback(context.Background(), models.FeedbackRequest{Module: "agent"})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeMalformedModelOutput))
}

func TestFilesListingCache(t *testing.T) {
	fs := projectFS(t)
	c := answer(`{"data":[["core/module.py",0.9]]}`)
	opened := 0
	newFS := func(string) billy.Filesystem {
		opened++
		return fs
	}

	cached := newService(t, c, WithFilesRoot("/srv"), WithFilesystem(newFS), WithFilesCacheTTL(time.Minute))
	for range 2 {
		_, err := cached.Files(context.Background(), models.FilesRequest{Query: "q"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, opened)

	require.NoError(t, util.WriteFile(fs, "core/late.py", []byte("x"), 0o644))
	_, err := cached.Files(context.Background(), models.FilesRequest{Query: "q"})
	require.NoError(t, err)
	assert.NotContains(t, c.prompt, "core/late.py", "listing is served from cache")

	opened = 0
	uncached := newService(t, c, WithFilesRoot("/srv"), WithFilesystem(newFS))
	_, err = uncached.Files(context.Background(), models.FilesRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, opened)
	assert.Contains(t, c.prompt, "core/late.py")
}
