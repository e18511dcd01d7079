// Package disk stores archives in a local directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync/atomic"

	"github.com/meigma/apkpack/storage"
)

const (
	defaultDirPerm  = 0o750
	defaultFilePerm = 0o644
)

// Store implements storage.Store on a directory. Keys are slash-separated
// paths relative to the directory and cannot escape it.
// The store is safe for concurrent use.
type Store struct {
	root     *os.Root
	dir      string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithDirPerm sets the permissions for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithFilePerm sets the permissions for stored files.
func WithFilePerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.filePerm = mode
	}
}

// New opens a store rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("disk: directory is empty")
	}
	s := &Store{
		dir:      dir,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}
	s.root = root
	return s, nil
}

// Close releases the directory handle.
func (s *Store) Close() error {
	return s.root.Close()
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

func cleanKey(key string) (string, error) {
	if key == "" || !fs.ValidPath(key) || key == "." {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
	}
	return key, nil
}

// Fetch implements storage.Source.
func (s *Store) Fetch(_ context.Context, key string) ([]byte, error) {
	name, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := s.root.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("disk: read %s: %w", key, err)
	}
	return data, nil
}

// Store implements storage.Sink.
//
// Uses atomic writes (temp file + rename) so readers never observe a partial
// archive.
func (s *Store) Store(ctx context.Context, key string, data []byte) error {
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := path.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, s.dirPerm); err != nil {
			return fmt.Errorf("disk: create %s: %w", dir, err)
		}
	}
	if err := s.writeAtomic(name, data); err != nil {
		return fmt.Errorf("disk: write %s: %w", key, err)
	}
	return nil
}

var tmpSeq atomic.Uint64

func (s *Store) writeAtomic(name string, data []byte) error {
	tmpName := path.Join(path.Dir(name), fmt.Sprintf(".%s.tmp-%d-%d", path.Base(name), os.Getpid(), tmpSeq.Add(1)))
	f, err := s.root.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, s.filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.root.Remove(tmpName)
		return err
	}
	if err := f.Close(); err != nil {
		s.root.Remove(tmpName)
		return err
	}
	if err := s.root.Rename(tmpName, name); err != nil {
		s.root.Remove(tmpName)
		return err
	}
	return nil
}
