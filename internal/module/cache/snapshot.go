package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"modhub/internal/module/models"
	"modhub/pkg/platform/sentinel"
)

// Snapshot is the persisted form of the registry slot.
type Snapshot = Entry[[]models.ModuleRecord]

// SnapshotStore persists cache entries so a restarted process starts warm.
// Load returns an error wrapping sentinel.ErrNotFound when nothing was saved.
type SnapshotStore interface {
	Load(ctx context.Context, slot string) (Snapshot, error)
	Save(ctx context.Context, slot string, snap Snapshot) error
}

// FileSnapshot stores each slot as <dir>/<slot>.json.
type FileSnapshot struct {
	fs  billy.Filesystem
	dir string
}

// NewFileSnapshot returns a snapshot store rooted at dir on fs.
func NewFileSnapshot(fs billy.Filesystem, dir string) *FileSnapshot {
	return &FileSnapshot{fs: fs, dir: dir}
}

func (s *FileSnapshot) path(slot string) string {
	return path.Join(s.dir, slot+".json")
}

// Load reads a slot from disk.
func (s *FileSnapshot) Load(_ context.Context, slot string) (Snapshot, error) {
	data, err := util.ReadFile(s.fs, s.path(slot))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("snapshot %s: %w", slot, sentinel.ErrNotFound)
		}
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", slot, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", slot, err)
	}
	return snap, nil
}

// Save writes a slot through a temp file and rename.
func (s *FileSnapshot) Save(_ context.Context, slot string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", slot, err)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmpName := path.Join(s.dir, "."+slot+"-"+uuid.NewString())
	tmp, err := s.fs.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write snapshot %s: %w", slot, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close snapshot %s: %w", slot, err)
	}
	if err := s.fs.Rename(tmpName, s.path(slot)); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("commit snapshot %s: %w", slot, err)
	}
	return nil
}

// DefaultRedisKeyPrefix namespaces snapshot keys in a shared Redis.
const DefaultRedisKeyPrefix = "modhub:registry:"

// RedisSnapshot stores each slot as a JSON string value.
type RedisSnapshot struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisSnapshot returns a Redis-backed snapshot store.
func NewRedisSnapshot(client redis.Cmdable, keyPrefix string) *RedisSnapshot {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisSnapshot{client: client, keyPrefix: keyPrefix}
}

// Load fetches a slot from Redis.
func (s *RedisSnapshot) Load(ctx context.Context, slot string) (Snapshot, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+slot).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, fmt.Errorf("snapshot %s: %w", slot, sentinel.ErrNotFound)
		}
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", slot, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", slot, err)
	}
	return snap, nil
}

// Save stores a slot without expiry; freshness is decided by WrittenAt.
func (s *RedisSnapshot) Save(ctx context.Context, slot string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", slot, err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+slot, data, 0).Err(); err != nil {
		return fmt.Errorf("set snapshot %s: %w", slot, err)
	}
	return nil
}
