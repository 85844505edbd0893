package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"modhub/internal/module/cache"
	"modhub/internal/module/identity"
	"modhub/internal/module/models"
	portmocks "modhub/internal/module/ports/mocks"
	"modhub/internal/module/service/mocks"
	"modhub/internal/module/source"
	"modhub/internal/module/store"
	dErrors "modhub/pkg/domain-errors"
	"modhub/pkg/platform/sentinel"
	"modhub/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	registry *mocks.MockRegistry
	store    *mocks.MockStore
	srcFS    billy.Filesystem
	service  *Service
	ctx      context.Context
	now      time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.registry = mocks.NewMockRegistry(s.ctrl)
	s.store = mocks.NewMockStore(s.ctrl)
	s.srcFS = memfs.New()
	s.service = New(s.registry, s.store, source.NewDirSource(s.srcFS))
	s.now = time.Unix(1700000000, 0)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) writeModule(path, code string) {
	s.Require().NoError(util.WriteFile(s.srcFS, path, []byte(code), 0o644))
}

func derive(s *ServiceSuite, code string) models.Identity {
	id, err := identity.Derive(identity.Default{}, []byte(code))
	s.Require().NoError(err)
	return id
}

func records(n int) []models.ModuleRecord {
	out := make([]models.ModuleRecord, n)
	for i := range out {
		out[i] = models.ModuleRecord{Name: fmt.Sprintf("m%03d", i), IdentityKey: fmt.Sprintf("5K%03d", i)}
	}
	return out
}

func (s *ServiceSuite) TestList() {
	s.Run("applies default max age and first page", func() {
		s.registry.EXPECT().
			List(gomock.Any(), cache.ListOptions{MaxAge: DefaultMaxAge, Lite: true}).
			Return(records(150), nil)

		res, err := s.service.List(s.ctx, models.ListRequest{Lite: true})
		s.Require().NoError(err)
		s.Equal(150, res.Total)
		s.Equal(1, res.Page)
		s.Equal(models.DefaultPageSize, res.PageSize)
		s.Len(res.Modules, 100)
		s.Equal("m000", res.Modules[0].Name)
	})

	s.Run("second page holds the remainder", func() {
		maxAge := 5 * time.Second
		s.registry.EXPECT().
			List(gomock.Any(), cache.ListOptions{MaxAge: maxAge, ForceUpdate: true}).
			Return(records(150), nil)

		res, err := s.service.List(s.ctx, models.ListRequest{MaxAge: &maxAge, ForceUpdate: true, Page: 2})
		s.Require().NoError(err)
		s.Len(res.Modules, 50)
		s.Equal("m100", res.Modules[0].Name)
	})

	s.Run("page past the end is empty", func() {
		s.registry.EXPECT().List(gomock.Any(), gomock.Any()).Return(records(3), nil)

		res, err := s.service.List(s.ctx, models.ListRequest{Page: 4, PageSize: 2})
		s.Require().NoError(err)
		s.Empty(res.Modules)
		s.Equal(3, res.Total)
	})

	s.Run("rejects invalid paging", func() {
		_, err := s.service.List(s.ctx, models.ListRequest{PageSize: models.MaxPageSize + 1})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.service.List(s.ctx, models.ListRequest{Page: -1})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("maps registry failures", func() {
		tests := []struct {
			err  error
			code dErrors.Code
		}{
			{err: fmt.Errorf("list: %w", sentinel.ErrUnavailable), code: dErrors.CodeSourceUnavailable},
			{err: fmt.Errorf("%w: x", cache.ErrRebuildTimeout), code: dErrors.CodeTimeout},
			{err: fmt.Errorf("%w: hash", identity.ErrIdentityDerivation), code: dErrors.CodeInternal},
		}
		for _, tt := range tests {
			s.registry.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, tt.err)
			_, err := s.service.List(s.ctx, models.ListRequest{})
			s.True(dErrors.HasCode(err, tt.code), "error %v", err)
		}
	})
}

func (s *ServiceSuite) TestAdd() {
	s.Run("derives identity from code", func() {
		code := "class Agent: pass"
		id := derive(s, code)
		s.store.EXPECT().Add(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, rec models.ModuleRecord) (models.ModuleRecord, error) {
				s.Equal(id, rec.Identity())
				s.Equal(DefaultURL, rec.URL)
				s.Equal(s.now.Unix(), rec.Timestamp)
				return rec, nil
			})

		rec, err := s.service.Add(s.ctx, models.AddRequest{Name: " agent ", Code: code})
		s.Require().NoError(err)
		s.Equal("agent", rec.Name)
	})

	s.Run("keeps caller key when no code is given", func() {
		s.store.EXPECT().Add(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, rec models.ModuleRecord) (models.ModuleRecord, error) {
				return rec, nil
			})

		rec, err := s.service.Add(s.ctx, models.AddRequest{Name: "remote", IdentityKey: "5Remote", URL: "10.0.0.1:9000"})
		s.Require().NoError(err)
		s.Equal("5Remote", rec.IdentityKey)
		s.Equal("10.0.0.1:9000", rec.URL)
	})

	s.Run("rejects key that contradicts code", func() {
		_, err := s.service.Add(s.ctx, models.AddRequest{Name: "agent", IdentityKey: "5Wrong", Code: "x"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("requires name", func() {
		_, err := s.service.Add(s.ctx, models.AddRequest{IdentityKey: "5Key"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("requires key or code", func() {
		_, err := s.service.Add(s.ctx, models.AddRequest{Name: "agent"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("invalid key from store is a validation error", func() {
		s.store.EXPECT().Add(gomock.Any(), gomock.Any()).
			Return(models.ModuleRecord{}, fmt.Errorf("%w: separator", sentinel.ErrInvalidKey))

		_, err := s.service.Add(s.ctx, models.AddRequest{Name: "agent", IdentityKey: "a/b"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestRemoveAndGet() {
	s.Run("remove missing is not found", func() {
		s.store.EXPECT().Remove(gomock.Any(), "5Missing").Return(fmt.Errorf("x: %w", sentinel.ErrNotFound))
		err := s.service.Remove(s.ctx, "5Missing")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("get lite strips code", func() {
		s.store.EXPECT().Get(gomock.Any(), "5Agent").
			Return(&models.ModuleRecord{Name: "agent", IdentityKey: "5Agent", Code: "x"}, nil)
		rec, err := s.service.Get(s.ctx, "5Agent", true)
		s.Require().NoError(err)
		s.Empty(rec.Code)
	})

	s.Run("get storage failure is internal", func() {
		s.store.EXPECT().Get(gomock.Any(), "5Agent").Return(nil, errors.New("io error"))
		_, err := s.service.Get(s.ctx, "5Agent", false)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func (s *ServiceSuite) TestUpdate() {
	s.Run("missing record is not found", func() {
		s.store.EXPECT().Get(gomock.Any(), "5Gone").Return(nil, fmt.Errorf("x: %w", sentinel.ErrNotFound))
		_, err := s.service.Update(s.ctx, "5Gone")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("changed code moves record to its new key", func() {
		oldID := derive(s, "v1")
		newID := derive(s, "v2")
		s.writeModule("agent.py", "v2")

		current := models.NewModuleRecord("agent", []byte("v1"), oldID, 1)
		current.URL = "10.0.0.1:1"
		gomock.InOrder(
			s.store.EXPECT().Get(gomock.Any(), oldID.IdentityKey).Return(&current, nil),
			s.store.EXPECT().Add(gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, rec models.ModuleRecord) (models.ModuleRecord, error) {
					s.Equal(newID, rec.Identity())
					s.Equal("v2", rec.Code)
					s.Equal("10.0.0.1:1", rec.URL)
					s.Equal(s.now.Unix(), rec.Timestamp)
					return rec, nil
				}),
			s.store.EXPECT().Remove(gomock.Any(), oldID.IdentityKey).Return(nil),
		)

		res, err := s.service.Update(s.ctx, oldID.IdentityKey)
		s.Require().NoError(err)
		s.True(res.KeyChanged)
		s.Equal(oldID.IdentityKey, res.PreviousKey)
		s.Equal(newID.IdentityKey, res.Record.IdentityKey)
	})

	s.Run("falls back to stored code when source lacks module", func() {
		id := derive(s, "stored only")
		current := models.NewModuleRecord("orphan", []byte("stored only"), id, 1)
		s.store.EXPECT().Get(gomock.Any(), id.IdentityKey).Return(&current, nil)
		s.store.EXPECT().Add(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, rec models.ModuleRecord) (models.ModuleRecord, error) {
				return rec, nil
			})

		res, err := s.service.Update(s.ctx, id.IdentityKey)
		s.Require().NoError(err)
		s.False(res.KeyChanged)
		s.Equal(s.now.Unix(), res.Record.Timestamp)
	})

	s.Run("no code anywhere is a validation error", func() {
		current := models.ModuleRecord{Name: "ghost", IdentityKey: "5Ghost"}
		s.store.EXPECT().Get(gomock.Any(), "5Ghost").Return(&current, nil)

		_, err := s.service.Update(s.ctx, "5Ghost")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestUpdateSourceFailure() {
	src := portmocks.NewMockModuleSource(s.ctrl)
	svc := New(s.registry, s.store, src)

	s.store.EXPECT().Get(gomock.Any(), "5Agent").Return(&models.ModuleRecord{Name: "agent", IdentityKey: "5Agent"}, nil)
	src.EXPECT().ReadCode(gomock.Any(), "agent").Return(nil, errors.New("permission denied"))

	_, err := svc.Update(s.ctx, "5Agent")
	s.True(dErrors.HasCode(err, dErrors.CodeSourceUnavailable))
}

func (s *ServiceSuite) TestDescribeIdentityFailurePropagates() {
	src := portmocks.NewMockModuleSource(s.ctrl)
	svc := New(s.registry, s.store, src)

	src.EXPECT().ReadCode(gomock.Any(), "agent").Return([]byte("x"), nil)
	src.EXPECT().Hash([]byte("x")).Return("", errors.New("digest offline"))

	_, err := svc.Describe(s.ctx, "agent", false)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.ErrorIs(err, identity.ErrIdentityDerivation)
}

func (s *ServiceSuite) TestDescribe() {
	s.writeModule("tools/search.go", "package search")

	rec, err := s.service.Describe(s.ctx, "tools.search", false)
	s.Require().NoError(err)
	s.Equal(derive(s, "package search"), rec.Identity())
	s.Equal("package search", rec.Code)

	lite, err := s.service.Describe(s.ctx, "tools.search", true)
	s.Require().NoError(err)
	s.Empty(lite.Code)

	_, err = s.service.Describe(s.ctx, "tools.missing", false)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestCheck() {
	good := models.NewModuleRecord("good", []byte("ok"), derive(s, "ok"), 1)
	tampered := models.NewModuleRecord("tampered", []byte("ok"), derive(s, "ok"), 1)
	tampered.Code = "changed"
	s.store.EXPECT().Scan(gomock.Any()).Return([]store.Document{
		{Key: good.IdentityKey, Record: good},
		{Key: "5Misfiled", Record: good},
		{Key: "5Broken", Err: errors.New("decode")},
		{Key: tampered.IdentityKey + "x", Record: models.ModuleRecord{IdentityKey: "5Nameless"}},
		{Key: tampered.IdentityKey, Record: tampered},
	}, nil)

	checked, err := s.service.Check(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(checked, 5)

	s.True(checked[0].Check)
	s.Empty(checked[0].Code, "check results are lite")
	s.False(checked[1].Check)
	s.Equal("stored under a different key", checked[1].Issue)
	s.False(checked[2].Check)
	s.Equal("5Broken", checked[2].IdentityKey)
	s.False(checked[3].Check)
	s.False(checked[4].Check)
	s.Equal("content hash does not match code", checked[4].Issue)
}

func (s *ServiceSuite) TestClearAndRefresh() {
	s.store.EXPECT().Clear(gomock.Any()).Return(2, nil)
	n, err := s.service.Clear(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	s.registry.EXPECT().Refresh(gomock.Any()).Return(cache.RebuildReport{Modules: 4}, nil)
	report, err := s.service.Refresh(s.ctx)
	s.Require().NoError(err)
	s.Equal(4, report.Modules)
}
