// Package repository holds the store contracts used by the services and their
// PostgreSQL implementation.
package repository

import (
	"context"

	"github.com/plotviz/engine/internal/models"
)

// ArtifactFilter narrows List. A nil Groups matches every artifact; otherwise
// an artifact matches when its stored group equals any listed value.
type ArtifactFilter struct {
	Groups []string
}

type ArtifactRepository interface {
	Insert(ctx context.Context, a *models.Artifact) error
	// Replace overwrites the stored document for a.ID only while the stored
	// version still equals a.Version, and bumps a.Version on success. A stale
	// version yields CodeConflict, a missing artifact CodeNotFound.
	Replace(ctx context.Context, a *models.Artifact) error
	Get(ctx context.Context, id int64) (*models.Artifact, error)
	// List returns matching artifacts, newest first.
	List(ctx context.Context, f ArtifactFilter) ([]models.Artifact, error)
	Delete(ctx context.Context, id int64) error
	Exists(ctx context.Context, id int64) (bool, error)
}

type MemberRepository interface {
	Insert(ctx context.Context, m *models.Member) error
	Get(ctx context.Context, artifactID int64, memberID int) (*models.Member, error)
	// GetRaw returns the member document as stored.
	GetRaw(ctx context.Context, artifactID int64, memberID int) ([]byte, error)
	DeleteOne(ctx context.Context, artifactID int64, memberID int) error
	DeleteByArtifact(ctx context.Context, artifactID int64) (int64, error)
}
