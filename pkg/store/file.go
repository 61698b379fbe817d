package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	cacheFile      = "configuration.json"
	overridesDir   = "overrides"
	overrideSuffix = ".override"
)

// FileStore persists the configuration cache as one file and each override as its own
// file under dir. Writes go through a temp file, fsync and rename, so a reader never sees
// a partially written value.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("no store directory set")
	}
	if err := os.MkdirAll(filepath.Join(dir, overridesDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) ReadCache(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, cacheFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	return data, nil
}

func (f *FileStore) WriteCache(_ context.Context, data []byte) error {
	return writeAtomic(filepath.Join(f.dir, cacheFile), data)
}

func (f *FileStore) ReadOverrides(_ context.Context) (map[string]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, overridesDir))
	if err != nil {
		return nil, fmt.Errorf("reading overrides: %w", err)
	}

	overrides := make(map[string]string, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, overrideSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, overrideSuffix))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, overridesDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				// removed concurrently
				continue
			}
			return nil, fmt.Errorf("reading override %s: %w", key, err)
		}
		overrides[key] = string(data)
	}
	return overrides, nil
}

func (f *FileStore) WriteOverride(_ context.Context, key, value string) error {
	return writeAtomic(f.overridePath(key), []byte(value))
}

func (f *FileStore) DeleteOverride(_ context.Context, key string) error {
	err := os.Remove(f.overridePath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing override %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) Close() error {
	return nil
}

func (f *FileStore) overridePath(key string) string {
	return filepath.Join(f.dir, overridesDir, url.PathEscape(key)+overrideSuffix)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
