package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"modhub/internal/module/identity"
	"modhub/internal/module/models"
	"modhub/pkg/platform/sentinel"
	"modhub/pkg/requestcontext"
)

type FileStoreSuite struct {
	suite.Suite
	store *FileStore
	ctx   context.Context
}

func TestFileStoreSuite(t *testing.T) {
	suite.Run(t, new(FileStoreSuite))
}

func (s *FileStoreSuite) SetupTest() {
	s.store = NewFileStore(memfs.New(), "/modules")
	s.ctx = requestcontext.WithTime(context.Background(), time.Unix(1700000000, 0))
}

func (s *FileStoreSuite) record(name, key string) models.ModuleRecord {
	return models.ModuleRecord{Name: name, IdentityKey: key, URL: "0.0.0.0:8000"}
}

// TestIdempotentUpsert verifies that re-adding a record leaves exactly one document.
func (s *FileStoreSuite) TestIdempotentUpsert() {
	rec := s.record("agent", "5Agent")

	_, err := s.store.Add(s.ctx, rec)
	s.Require().NoError(err)
	_, err = s.store.Add(s.ctx, rec)
	s.Require().NoError(err)

	all, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal("agent", all[0].Name)
	s.Equal(int64(1700000000), all[0].Timestamp)
}

func (s *FileStoreSuite) TestUpsertOverwrites() {
	_, err := s.store.Add(s.ctx, s.record("agent", "5Agent"))
	s.Require().NoError(err)
	_, err = s.store.Add(s.ctx, s.record("agent-v2", "5Agent"))
	s.Require().NoError(err)

	got, err := s.store.Get(s.ctx, "5Agent")
	s.Require().NoError(err)
	s.Equal("agent-v2", got.Name)
}

func (s *FileStoreSuite) TestRemove() {
	s.Run("remove after add leaves nothing", func() {
		_, err := s.store.Add(s.ctx, s.record("agent", "5Agent"))
		s.Require().NoError(err)

		s.Require().NoError(s.store.Remove(s.ctx, "5Agent"))

		exists, err := s.store.Exists(s.ctx, "5Agent")
		s.Require().NoError(err)
		s.False(exists)
	})

	s.Run("remove without add is not found", func() {
		err := s.store.Remove(s.ctx, "5Never")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *FileStoreSuite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, "5Missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *FileStoreSuite) TestAddDerivesIdentityFromCode() {
	rec := models.ModuleRecord{Name: "agent", Code: "class Agent: pass"}

	saved, err := s.store.Add(s.ctx, rec)
	s.Require().NoError(err)

	want, err := identity.Derive(identity.Default{}, []byte(rec.Code))
	s.Require().NoError(err)
	s.Equal(want, saved.Identity())

	exists, err := s.store.Exists(s.ctx, want.IdentityKey)
	s.Require().NoError(err)
	s.True(exists)
}

func (s *FileStoreSuite) TestAddRejectsInvalidShape() {
	tests := []struct {
		name string
		rec  models.ModuleRecord
	}{
		{name: "missing name", rec: models.ModuleRecord{IdentityKey: "5Key"}},
		{name: "missing key and code", rec: models.ModuleRecord{Name: "agent"}},
		{name: "key escapes directory", rec: models.ModuleRecord{Name: "agent", IdentityKey: "../etc"}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.store.Add(s.ctx, tt.rec)
			s.Error(err)
		})
	}

	all, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Empty(all)
}

func (s *FileStoreSuite) TestInvalidKeyLookups() {
	_, err := s.store.Get(s.ctx, "a/b")
	s.ErrorIs(err, sentinel.ErrInvalidKey)

	_, err = s.store.Exists(s.ctx, "")
	s.ErrorIs(err, sentinel.ErrInvalidKey)

	s.ErrorIs(s.store.Remove(s.ctx, ".hidden"), sentinel.ErrInvalidKey)
}

func (s *FileStoreSuite) TestScanReportsUndecodableDocuments() {
	fs := memfs.New()
	st := NewFileStore(fs, "/modules")
	_, err := st.Add(s.ctx, s.record("agent", "5Agent"))
	s.Require().NoError(err)
	s.Require().NoError(util.WriteFile(fs, "/modules/5Broken.json", []byte("not json"), 0o644))
	s.Require().NoError(util.WriteFile(fs, "/modules/notes.txt", []byte("ignored"), 0o644))

	docs, err := st.Scan(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(docs, 2)
	s.Equal("5Agent", docs[0].Key)
	s.NoError(docs[0].Err)
	s.Equal("5Broken", docs[1].Key)
	s.Error(docs[1].Err)

	records, err := st.List(s.ctx)
	s.Require().NoError(err)
	s.Len(records, 1)
}

func (s *FileStoreSuite) TestClear() {
	for _, key := range []string{"5A", "5B", "5C"} {
		_, err := s.store.Add(s.ctx, s.record("m"+key, key))
		s.Require().NoError(err)
	}

	n, err := s.store.Clear(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, n)

	all, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Empty(all)

	n, err = s.store.Clear(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *FileStoreSuite) TestListOnMissingDirectoryIsEmpty() {
	all, err := NewFileStore(memfs.New(), "/nowhere").List(s.ctx)
	s.Require().NoError(err)
	s.Empty(all)
}

// TestConcurrentWritesSameKey runs on the OS filesystem to exercise real renames.
func TestConcurrentWritesSameKey(t *testing.T) {
	st := NewFileStore(osfs.New(t.TempDir()), "modules")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := models.ModuleRecord{Name: "agent", IdentityKey: "5Agent", Timestamp: int64(i + 1)}
			_, errs[i] = st.Add(ctx, rec)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	docs, err := st.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NoError(t, docs[0].Err)
	assert.Equal(t, "agent", docs[0].Record.Name)
}
