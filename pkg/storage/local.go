package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalStorage implements Storage using the local filesystem.
type LocalStorage struct {
	basePath string
	mu       sync.RWMutex
}

// NewLocalStorage creates a new LocalStorage rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{basePath: abs}, nil
}

func (s *LocalStorage) resolve(path string) string {
	return filepath.Join(s.basePath, filepath.Clean("/"+path))
}

func (s *LocalStorage) Read(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func (s *LocalStorage) Write(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := s.stage(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.resolve(path)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// stage writes data next to its final location and returns the temp path.
func (s *LocalStorage) stage(path string, data []byte) (string, error) {
	full := s.resolve(path)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return tmp, nil
}

// WriteBatch stages every object first, then renames them into place. If a
// rename fails the already-committed objects are restored to their previous
// content (or removed when they did not exist).
func (s *LocalStorage) WriteBatch(_ context.Context, objects []Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type prior struct {
		data   []byte
		exists bool
	}
	priors := make([]prior, len(objects))
	temps := make([]string, 0, len(objects))
	cleanup := func() {
		for _, tmp := range temps {
			_ = os.Remove(tmp)
		}
	}

	for i, obj := range objects {
		data, err := os.ReadFile(s.resolve(obj.Path))
		switch {
		case err == nil:
			priors[i] = prior{data: data, exists: true}
		case !os.IsNotExist(err):
			cleanup()
			return fmt.Errorf("failed to snapshot %s: %w", obj.Path, err)
		}
		tmp, err := s.stage(obj.Path, obj.Data)
		if err != nil {
			cleanup()
			return err
		}
		temps = append(temps, tmp)
	}

	for i, obj := range objects {
		if err := os.Rename(temps[i], s.resolve(obj.Path)); err != nil {
			rbErr := s.rollback(objects[:i], func(j int) ([]byte, bool) { return priors[j].data, priors[j].exists })
			cleanup()
			return errors.Join(fmt.Errorf("failed to commit %s: %w", obj.Path, err), rbErr)
		}
	}
	return nil
}

func (s *LocalStorage) rollback(committed []Object, prev func(int) ([]byte, bool)) error {
	var errs []error
	for j := range committed {
		full := s.resolve(committed[j].Path)
		data, existed := prev(j)
		if !existed {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *LocalStorage) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.resolve(path)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (s *LocalStorage) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.resolve(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		paths = append(paths, strings.TrimPrefix(filepath.Join(prefix, entry.Name()), "/"))
	}
	return paths, nil
}

func (s *LocalStorage) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}
