package blob

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Filesystem stores blobs as files under a root directory.
type Filesystem struct {
	root string
}

// NewFilesystem creates the root directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, eris.Wrapf(err, "blob: create root %s", root)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(key)), nil
}

// Put writes data to a temp file, fsyncs it and renames it into place, so a
// reader never sees a partial object.
func (f *Filesystem) Put(_ context.Context, key string, data []byte, _ string) error {
	full, err := f.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return eris.Wrapf(err, "blob: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return eris.Wrap(err, "blob: create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return eris.Wrapf(err, "blob: write %s", key)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return eris.Wrapf(err, "blob: fsync %s", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return eris.Wrapf(err, "blob: close %s", key)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return eris.Wrapf(err, "blob: rename %s", key)
	}
	return nil
}

func (f *Filesystem) Open(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "blob: open %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: open %s", key)
	}
	return file, nil
}

func (f *Filesystem) Stat(_ context.Context, key string) (int64, error) {
	full, err := f.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, eris.Wrapf(ErrNotFound, "blob: stat %s", key)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "blob: stat %s", key)
	}
	return info.Size(), nil
}
