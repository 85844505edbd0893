// Package store persists module records as one JSON document per identity key.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"

	"modhub/internal/module/identity"
	"modhub/internal/module/metrics"
	"modhub/internal/module/models"
	"modhub/pkg/platform/sentinel"
	"modhub/pkg/requestcontext"
)

const docExt = ".json"

// Document is a persisted file as found on disk. Err is set when the file
// could not be read or decoded.
type Document struct {
	Key    string
	Record models.ModuleRecord
	Err    error
}

// FileStore keeps records under dir on a billy filesystem.
// Writes are exclusive and reads are shared, so a reader never sees a
// partially written document.
type FileStore struct {
	fs      billy.Filesystem
	dir     string
	deriver identity.Deriver
	metrics *metrics.Metrics

	mu sync.RWMutex
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithDeriver sets the identity primitives used when a record arrives with
// code but no identity fields.
func WithDeriver(d identity.Deriver) Option {
	return func(s *FileStore) {
		s.deriver = d
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *FileStore) {
		s.metrics = m
	}
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(fs billy.Filesystem, dir string, opts ...Option) *FileStore {
	s := &FileStore{fs: fs, dir: dir, deriver: identity.Default{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FileStore) path(key string) string {
	return path.Join(s.dir, key+docExt)
}

// Add upserts rec. Missing identity fields are derived from rec.Code when
// present. The persisted record is returned.
func (s *FileStore) Add(ctx context.Context, rec models.ModuleRecord) (models.ModuleRecord, error) {
	if rec.IdentityKey == "" && rec.Code != "" {
		id, err := identity.Derive(s.deriver, []byte(rec.Code))
		if err != nil {
			return models.ModuleRecord{}, err
		}
		rec.IdentityKey = id.IdentityKey
		rec.CryptoScheme = id.CryptoScheme
		rec.ContentHash = id.ContentHash
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = requestcontext.Now(ctx).Unix()
	}
	if err := rec.Validate(); err != nil {
		return models.ModuleRecord{}, err
	}

	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return models.ModuleRecord{}, fmt.Errorf("encode module %s: %w", rec.IdentityKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeAtomic(s.path(rec.IdentityKey), data); err != nil {
		return models.ModuleRecord{}, err
	}
	s.observe("add")
	return rec, nil
}

func (s *FileStore) writeAtomic(target string, data []byte) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmpName := path.Join(s.dir, ".tmp-"+uuid.NewString())
	f, err := s.fs.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write document: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close document: %w", err)
	}
	if err := s.fs.Rename(tmpName, target); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

// Remove deletes the record stored under key.
func (s *FileStore) Remove(_ context.Context, key string) error {
	if err := models.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.path(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("module %s: %w", key, sentinel.ErrNotFound)
		}
		return fmt.Errorf("remove module %s: %w", key, err)
	}
	s.observe("remove")
	return nil
}

// Exists reports whether a record is stored under key.
func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	if err := models.ValidateKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.fs.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat module %s: %w", key, err)
}

// Get returns the record stored under key.
func (s *FileStore) Get(_ context.Context, key string) (*models.ModuleRecord, error) {
	if err := models.ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.read(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("module %s: %w", key, sentinel.ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) read(p string) (models.ModuleRecord, error) {
	data, err := util.ReadFile(s.fs, p)
	if err != nil {
		return models.ModuleRecord{}, err
	}
	var rec models.ModuleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.ModuleRecord{}, fmt.Errorf("decode %s: %w", path.Base(p), err)
	}
	return rec, nil
}

// Scan returns every document in the store ordered by key, including those
// that fail to decode.
func (s *FileStore) Scan(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := s.keys()
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(keys))
	for _, key := range keys {
		rec, err := s.read(s.path(key))
		docs = append(docs, Document{Key: key, Record: rec, Err: err})
	}
	return docs, nil
}

// List returns every decodable record ordered by key.
func (s *FileStore) List(ctx context.Context) ([]models.ModuleRecord, error) {
	docs, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]models.ModuleRecord, 0, len(docs))
	for _, doc := range docs {
		if doc.Err == nil {
			records = append(records, doc.Record)
		}
	}
	return records, nil
}

// Clear removes every stored record and returns how many were removed.
func (s *FileStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.keys()
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := s.fs.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return i, fmt.Errorf("remove module %s: %w", key, err)
		}
	}
	if len(keys) > 0 {
		s.observe("clear")
	}
	return len(keys), nil
}

// keys lists document keys; callers hold mu.
func (s *FileStore) keys() ([]string, error) {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read store dir: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, docExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, docExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) observe(op string) {
	if s.metrics != nil {
		s.metrics.IncrementStoreWrite(op)
	}
}
