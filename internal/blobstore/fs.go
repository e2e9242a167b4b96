package blobstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/plotviz/engine/pkg/errors"
)

// FS stores blobs as files below a root directory. It is meant for a single
// host where the API and the worker share a volume.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "create blob dir")
	}
	return &FS{root: root}, nil
}

func (s *FS) path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FS) Put(ctx context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.CodeStoreWrite, "create blob dir")
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(err, apperrors.CodeStoreWrite, "write blob")
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Wrap(err, apperrors.CodeStoreWrite, "commit blob")
	}
	return nil
}

func (s *FS) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "blob %q not found", key)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "read blob")
	}
	return data, nil
}

func (s *FS) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Wrap(err, apperrors.CodeStoreWrite, "delete blob")
	}
	return nil
}
