// Package localstore provides the on-device file store for task files and
// their merge caches.
package localstore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/spf13/afero"
)

// filePerms is the mode for files created by the store.
const filePerms = 0o600

// Store reads and writes whole files by name.
type Store interface {
	Exists(name string) (bool, error)
	Read(name string) ([]byte, error)
	// Write creates or truncates name. Readers never observe a partial file.
	Write(name string, data []byte) error
	Copy(src, dst string) error
	Delete(name string) error
}

// FsStore is a Store backed by an afero filesystem.
type FsStore struct {
	fs afero.Fs

	// dir is set for OS-backed stores; writes then go through a
	// rename-into-place so a crash never leaves a truncated task file.
	dir string
}

// NewFs creates a store on fsys. Names are paths within fsys.
func NewFs(fsys afero.Fs) *FsStore {
	return &FsStore{fs: fsys}
}

// NewDir creates a store rooted at dir on the OS filesystem, creating dir
// if needed.
func NewDir(dir string) (*FsStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FsStore{
		fs:  afero.NewBasePathFs(afero.NewOsFs(), dir),
		dir: dir,
	}, nil
}

// Dir returns the OS directory backing the store, or "" for in-memory stores.
func (s *FsStore) Dir() string {
	return s.dir
}

// Path returns the OS path of name, or "" for in-memory stores.
func (s *FsStore) Path(name string) string {
	if s.dir == "" {
		return ""
	}
	return filepath.Join(s.dir, filepath.Clean("/"+name))
}

// Exists reports whether name exists.
func (s *FsStore) Exists(name string) (bool, error) {
	ok, err := afero.Exists(s.fs, name)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return ok, nil
}

// Read returns the content of name. A missing file yields an error
// matching fs.ErrNotExist.
func (s *FsStore) Read(name string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Write replaces name with data.
func (s *FsStore) Write(name string, data []byte) error {
	if s.dir != "" {
		path := s.Path(name)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		return nil
	}

	if dir := filepath.Dir(name); dir != "." && dir != "/" {
		if err := s.fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
	}
	if err := afero.WriteFile(s.fs, name, data, filePerms); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Copy replaces dst with the content of src.
func (s *FsStore) Copy(src, dst string) error {
	data, err := s.Read(src)
	if err != nil {
		return err
	}
	return s.Write(dst, data)
}

// Delete removes name. Deleting a missing file is not an error.
func (s *FsStore) Delete(name string) error {
	err := s.fs.Remove(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}
