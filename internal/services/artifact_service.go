package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/repository"
	appErr "github.com/plotviz/engine/pkg/errors"
	"github.com/plotviz/engine/pkg/logger"
)

// Artifact maintenance
type ArtifactService interface {
	UpdateArtifact(ctx context.Context, id int64, in UpdateArtifactInput) (*models.Artifact, error)
	// DeleteArtifact removes the artifact and every member stored for it.
	DeleteArtifact(ctx context.Context, id int64) error
	ArtifactExists(ctx context.Context, id int64) (bool, error)
}

// UpdateArtifactInput changes only the fields that are set.
type UpdateArtifactInput struct {
	Description *string
	Group       *string
}

type artifactService struct {
	artifacts repository.ArtifactRepository
	members   repository.MemberRepository
}

func NewArtifactService(artifacts repository.ArtifactRepository, members repository.MemberRepository) ArtifactService {
	return &artifactService{artifacts: artifacts, members: members}
}

var _ ArtifactService = (*artifactService)(nil)

func (s *artifactService) UpdateArtifact(ctx context.Context, id int64, in UpdateArtifactInput) (*models.Artifact, error) {
	if in.Description == nil && in.Group == nil {
		return nil, appErr.New(appErr.CodeInvalid, "nothing to update")
	}
	a, err := mutateArtifact(ctx, s.artifacts, id, func(a *models.Artifact) {
		if in.Description != nil {
			a.Description = *in.Description
		}
		if in.Group != nil {
			a.Group = strings.TrimSpace(*in.Group)
		}
	})
	if err != nil {
		return nil, err
	}
	logger.L().Info("artifact updated", zap.Int64("artifact_id", id))
	return a, nil
}

func (s *artifactService) DeleteArtifact(ctx context.Context, id int64) error {
	aerr := s.artifacts.Delete(ctx, id)
	if aerr != nil && !appErr.IsCode(aerr, appErr.CodeNotFound) {
		return aerr
	}
	n, err := s.members.DeleteByArtifact(ctx, id)
	if err != nil {
		return err
	}
	if aerr != nil && n == 0 {
		return aerr
	}
	logger.L().Info("artifact deleted", zap.Int64("artifact_id", id), zap.Int64("members", n))
	return nil
}

func (s *artifactService) ArtifactExists(ctx context.Context, id int64) (bool, error) {
	return s.artifacts.Exists(ctx, id)
}

// maxReplaceAttempts bounds how often a versioned replace is retried after
// losing a race with another writer.
const maxReplaceAttempts = 5

// mutateArtifact reads the artifact, applies fn and writes it back under the
// version it read. A concurrent write makes it start over from a fresh read,
// so fn must be safe to apply more than once.
func mutateArtifact(ctx context.Context, artifacts repository.ArtifactRepository, id int64, fn func(a *models.Artifact)) (*models.Artifact, error) {
	var err error
	for attempt := 0; attempt < maxReplaceAttempts; attempt++ {
		var a *models.Artifact
		if a, err = artifacts.Get(ctx, id); err != nil {
			return nil, err
		}
		fn(a)
		if err = artifacts.Replace(ctx, a); err == nil {
			return a, nil
		}
		if !appErr.IsCode(err, appErr.CodeConflict) {
			return nil, err
		}
		logger.L().Debug("artifact changed concurrently, retrying", zap.Int64("artifact_id", id), zap.Int("attempt", attempt+1))
	}
	return nil, err
}
