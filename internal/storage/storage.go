// Package storage provides the key-value store backing the tracking map
// and user preferences. Two backends exist: a JSON-file store (default)
// and Redis for deployments that already run one.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// ErrNotFound is returned by Get for keys that were never set.
var ErrNotFound = errors.New("storage: key not found")

// KV is the minimal store interface the pipeline depends on. Values are
// JSON-serialized strings.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// FileKV keeps each key in its own file under dir.
type FileKV struct {
	mu  sync.RWMutex
	fs  afero.Fs
	dir string
}

func NewFileKV(dir string) (*FileKV, error) {
	return NewFileKVWithFS(afero.NewOsFs(), dir)
}

func NewFileKVWithFS(fs afero.Fs, dir string) (*FileKV, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create data dir: %w", err)
	}
	return &FileKV{fs: fs, dir: dir}, nil
}

func (s *FileKV) path(key string) string {
	return s.dir + "/" + key + ".json"
}

func (s *FileKV) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("cannot read key %s: %w", key, err)
	}
	return string(data), nil
}

func (s *FileKV) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := afero.WriteFile(s.fs, s.path(key), []byte(value), 0o644); err != nil {
		return fmt.Errorf("cannot write key %s: %w", key, err)
	}
	return nil
}

func (s *FileKV) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove key %s: %w", key, err)
	}
	return nil
}

func (s *FileKV) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("cannot clear store: %w", err)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("cannot recreate data dir: %w", err)
	}
	return nil
}
