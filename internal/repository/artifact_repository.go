package repository

import (
	"context"
	"time"

	"github.com/plotviz/engine/internal/models"
	appErr "github.com/plotviz/engine/pkg/errors"
	"gorm.io/gorm"
)

type artifactRepository struct {
	BaseRepository[models.ArtifactRecord]
	db *gorm.DB
}

func NewArtifactRepository(db *gorm.DB) ArtifactRepository {
	return &artifactRepository{BaseRepository: NewBaseRepository[models.ArtifactRecord](db, "artifact"), db: db}
}

func (r *artifactRepository) Insert(ctx context.Context, a *models.Artifact) error {
	rec, err := encodeArtifact(a)
	if err != nil {
		return err
	}
	return r.Create(ctx, rec)
}

func (r *artifactRepository) Replace(ctx context.Context, a *models.Artifact) error {
	next := *a
	next.Version = a.Version + 1
	rec, err := encodeArtifact(&next)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&models.ArtifactRecord{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(map[string]any{
			"group_name": rec.Group,
			"status":     rec.Status,
			"version":    rec.Version,
			"document":   rec.Document,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return writeErr(res.Error, "replace artifact failed")
	}
	if res.RowsAffected == 0 {
		return r.staleOrMissing(ctx, a)
	}
	a.Version = next.Version
	return nil
}

func (r *artifactRepository) staleOrMissing(ctx context.Context, a *models.Artifact) error {
	ok, err := r.Exists(ctx, a.ID)
	if err != nil {
		return err
	}
	if ok {
		return appErr.Newf(appErr.CodeConflict, "artifact %d changed since version %d", a.ID, a.Version)
	}
	return appErr.Newf(appErr.CodeNotFound, "artifact %d not found", a.ID)
}

func (r *artifactRepository) Get(ctx context.Context, id int64) (*models.Artifact, error) {
	var rec models.ArtifactRecord
	if err := r.First(ctx, &rec, "id = ?", id); err != nil {
		return nil, err
	}
	a, err := rec.Artifact()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode artifact failed")
	}
	return a, nil
}

func (r *artifactRepository) List(ctx context.Context, f ArtifactFilter) ([]models.Artifact, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if f.Groups != nil {
		q = q.Where("group_name IN ?", f.Groups)
	}
	var recs []models.ArtifactRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list artifacts failed")
	}
	out := make([]models.Artifact, 0, len(recs))
	for i := range recs {
		a, err := recs[i].Artifact()
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "decode artifact failed").WithMeta("artifact_id", recs[i].ID)
		}
		out = append(out, *a)
	}
	return out, nil
}

func (r *artifactRepository) Delete(ctx context.Context, id int64) error {
	n, err := r.DeleteWhere(ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return appErr.Newf(appErr.CodeNotFound, "artifact %d not found", id)
	}
	return nil
}

func (r *artifactRepository) Exists(ctx context.Context, id int64) (bool, error) {
	n, err := r.Count(ctx, "id = ?", id)
	return n > 0, err
}

func encodeArtifact(a *models.Artifact) (*models.ArtifactRecord, error) {
	rec, err := models.NewArtifactRecord(a)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "encode artifact failed")
	}
	return rec, nil
}
