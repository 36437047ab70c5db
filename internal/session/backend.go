package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/sazonovanton/SirChatalot-sub000/internal/config"
	"github.com/sazonovanton/SirChatalot-sub000/internal/store"
)

// Buckets used by the chat backend.
const (
	BucketConversations = "conversations"
	BucketSessions      = "sessions"
	BucketUsage         = "usage"
)

// ErrNotFound is returned by Backend.Get for an absent key.
var ErrNotFound = errors.New("not found")

// Backend is a bucketed key/value store. Every Put is durable when it returns.
type Backend interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) (bool, error)
	// Keys returns the sorted keys of bucket that start with prefix.
	Keys(ctx context.Context, bucket, prefix string) ([]string, error)
	Close() error
}

// FileBackend stores each value as one JSON document under root/bucket.
type FileBackend struct {
	root string
}

// NewFileBackend creates a file backend rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileBackend{root: dir}, nil
}

// Get reads one value.
func (b *FileBackend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := store.ReadFile(b.path(bucket, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return []byte(content), nil
}

// Put atomically replaces one value.
func (b *FileBackend) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.WriteFile(b.path(bucket, key), value); err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes one value, reporting whether it existed.
func (b *FileBackend) Delete(ctx context.Context, bucket, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return store.RemoveFile(b.path(bucket, key))
}

// Keys lists keys in bucket with the given prefix.
func (b *FileBackend) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := store.ListFiles(filepath.Join(b.root, bucket), ".json")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		key, err := url.PathUnescape(name)
		if err != nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for files.
func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) path(bucket, key string) string {
	return filepath.Join(b.root, bucket, url.PathEscape(key)+".json")
}

// OpenStore opens the store described by cfg: its backend, plus a chat-log
// archive when chat logging is enabled.
func OpenStore(cfg *config.Config) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		backend, err = OpenSQLite(cfg.DatabasePath())
	case config.StorageFile, "":
		backend, err = NewFileBackend(cfg.StoreDir())
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}

	var archive *Archive
	if cfg.Features.ChatLogging {
		archive = NewArchive(afero.NewOsFs(), cfg.ChatLogsDir())
	}
	return New(backend, archive), nil
}
