package adapter

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// fileStorage implements Storage on a local directory. Writes go to a
// temporary file that is renamed over the target on Close, so readers never
// observe a partially written object.
type fileStorage struct {
	dir string
}

// NewFileStorage creates dir if needed and returns a Storage rooted at it
func NewFileStorage(dir string) (Storage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, goerr.Wrap(err, "failed to create storage directory", goerr.V("dir", dir))
	}
	return &fileStorage{dir: dir}, nil
}

func (s *fileStorage) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", goerr.New("invalid storage key", goerr.V("key", key))
	}
	return filepath.Join(s.dir, key), nil
}

// atomicFile commits on Close only if every Write succeeded. A failed write
// or Abort removes the temporary file and leaves the target untouched.
type atomicFile struct {
	file   *os.File
	target string
	closed bool
	failed bool
}

func (f *atomicFile) Write(p []byte) (int, error) {
	n, err := f.file.Write(p)
	if err != nil {
		f.failed = true
	}
	return n, err
}

func (f *atomicFile) Abort() error {
	if f.closed {
		return nil
	}
	f.closed = true

	_ = f.file.Close()
	if err := os.Remove(f.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return goerr.Wrap(err, "failed to remove temporary file", goerr.V("path", f.target))
	}
	return nil
}

func (f *atomicFile) Close() error {
	if f.closed {
		return nil
	}
	if f.failed {
		if err := f.Abort(); err != nil {
			return err
		}
		return goerr.New("discard file after failed write", goerr.V("path", f.target))
	}
	f.closed = true

	if err := f.file.Sync(); err != nil {
		_ = f.file.Close()
		_ = os.Remove(f.file.Name())
		return goerr.Wrap(err, "failed to sync file", goerr.V("path", f.target))
	}
	if err := f.file.Close(); err != nil {
		_ = os.Remove(f.file.Name())
		return goerr.Wrap(err, "failed to close file", goerr.V("path", f.target))
	}
	if err := os.Rename(f.file.Name(), f.target); err != nil {
		_ = os.Remove(f.file.Name())
		return goerr.Wrap(err, "failed to rename file", goerr.V("path", f.target))
	}
	return nil
}

func (s *fileStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create temporary file", goerr.V("key", key))
	}

	return &atomicFile{file: tmp, target: target}, nil
}

func (s *fileStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, goerr.Wrap(ErrNotFound, "file does not exist", goerr.V("key", key))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open file", goerr.V("key", key))
	}
	return f, nil
}

func (s *fileStorage) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return goerr.Wrap(err, "failed to remove file", goerr.V("key", key))
	}
	return nil
}

func (s *fileStorage) List(ctx context.Context, prefix string) ([]*ObjectAttrs, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read storage directory", goerr.V("dir", s.dir))
	}

	var objects []*ObjectAttrs
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}

		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue // removed while listing
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to stat file", goerr.V("name", name))
		}

		objects = append(objects, &ObjectAttrs{
			Key:       name,
			UpdatedAt: info.ModTime(),
		})
	}

	return objects, nil
}
