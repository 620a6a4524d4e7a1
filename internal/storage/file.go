package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps objects as files under a root directory. Object bytes live under
// <root>/objects/<key> and metadata under <root>/meta/<key>.json.
type FileStore struct {
	objects string
	meta    string
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store: directory must be set")
	}
	s := &FileStore{
		objects: filepath.Join(dir, "objects"),
		meta:    filepath.Join(dir, "meta"),
	}
	for _, d := range []string{s.objects, s.meta} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
	}
	return s, nil
}

func (s *FileStore) objectPath(key string) string {
	return filepath.Join(s.objects, filepath.FromSlash(key))
}

func (s *FileStore) metaPath(key string) string {
	return filepath.Join(s.meta, filepath.FromSlash(key)+".json")
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if err := validatePut(key, data); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeFileAtomic(s.objectPath(key), data); err != nil {
		return fmt.Errorf("file store: put %s: %w", key, err)
	}
	if len(meta) == 0 {
		_ = os.Remove(s.metaPath(key))
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("file store: encode metadata: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(key), b); err != nil {
		return fmt.Errorf("file store: put metadata %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("file store: get %s: %w", key, err)
	}
	return b, nil
}

// Metadata returns the metadata stored with key, or nil when there is none.
func (s *FileStore) Metadata(key string) (map[string]string, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var meta map[string]string
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("file store: decode metadata: %w", err)
	}
	return meta, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	info, err := os.Stat(s.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *FileStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	err := os.Remove(s.objectPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("file store: delete %s: %w", key, err)
	}
	_ = os.Remove(s.metaPath(key))
	return err == nil, nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.objects, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.objects, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file store: list: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// writeFileAtomic writes data to a temp file in the target directory and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
