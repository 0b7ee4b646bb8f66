package keystore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStorage is a SecureStorage backed by one 0600 file per key.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed and returns a store rooted there.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("keys directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory %q: %w", dir, err)
	}
	return &FileStorage{dir: dir}, nil
}

// Get returns the stored value for key.
func (f *FileStorage) Get(key string) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("key is required")
	}

	raw, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read secure value %q: %w", key, err)
	}
	return string(raw), true, nil
}

// Set replaces the stored value for key.
func (f *FileStorage) Set(key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}

	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o600); err != nil {
		return fmt.Errorf("write secure value %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit secure value %q: %w", key, err)
	}
	return nil
}

// Keys are user-controlled, so they are encoded rather than used as paths.
func (f *FileStorage) path(key string) string {
	return filepath.Join(f.dir, base64.RawURLEncoding.EncodeToString([]byte(key)))
}
