// Package blobstore stages uploaded bundles between the API and the worker.
package blobstore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/plotviz/engine/pkg/errors"
)

// Store keeps opaque blobs under slash-separated keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// BundleKey returns a fresh key for an artifact's staged archive.
func BundleKey(artifactID int64) string {
	return fmt.Sprintf("bundles/%d/%s.zip", artifactID, uuid.NewString())
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.HasPrefix(key, "../") || key == ".." {
		return apperrors.Newf(apperrors.CodeInvalid, "invalid blob key %q", key)
	}
	return nil
}
