package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore is a Store backed by the filesystem. Each table is a directory
// under root and each key a file within it. Writes go through a temp file
// and rename so a crash mid-write never leaves a torn entry. FileStore does
// not implement expiry; ttl arguments are ignored.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Get(_ context.Context, table, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(table, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, table, key)
		}
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrLoadFailed, table, key, err)
	}
	return data, nil
}

func (s *FileStore) Set(_ context.Context, table, key string, value []byte, _ time.Duration) error {
	dir := filepath.Join(s.root, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrSaveFailed, table, key, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrSaveFailed, table, key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s/%s: %v", ErrSaveFailed, table, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s/%s: %v", ErrSaveFailed, table, key, err)
	}

	if err := os.Rename(tmpName, s.path(table, key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s/%s: %v", ErrSaveFailed, table, key, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, table, key string) error {
	if err := os.Remove(s.path(table, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete failed: %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *FileStore) Keys(_ context.Context, table string) ([]string, error) {
	var keys []string

	dir := filepath.Join(s.root, table)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, table, err)
	}

	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !fs.ValidPath(e.Name()) {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

func (s *FileStore) path(table, key string) string {
	return filepath.Join(s.root, table, key)
}
