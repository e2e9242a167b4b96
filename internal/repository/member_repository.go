package repository

import (
	"context"

	"github.com/plotviz/engine/internal/models"
	appErr "github.com/plotviz/engine/pkg/errors"
	"gorm.io/gorm"
)

type memberRepository struct {
	BaseRepository[models.MemberRecord]
}

func NewMemberRepository(db *gorm.DB) MemberRepository {
	return &memberRepository{BaseRepository: NewBaseRepository[models.MemberRecord](db, "member")}
}

func (r *memberRepository) Insert(ctx context.Context, m *models.Member) error {
	rec, err := models.NewMemberRecord(m)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "encode member failed")
	}
	return r.Create(ctx, rec)
}

func (r *memberRepository) get(ctx context.Context, artifactID int64, memberID int) (*models.MemberRecord, error) {
	var rec models.MemberRecord
	if err := r.First(ctx, &rec, "artifact_id = ? AND member_id = ?", artifactID, memberID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *memberRepository) Get(ctx context.Context, artifactID int64, memberID int) (*models.Member, error) {
	rec, err := r.get(ctx, artifactID, memberID)
	if err != nil {
		return nil, err
	}
	m, err := rec.Member()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode member failed")
	}
	return m, nil
}

func (r *memberRepository) GetRaw(ctx context.Context, artifactID int64, memberID int) ([]byte, error) {
	rec, err := r.get(ctx, artifactID, memberID)
	if err != nil {
		return nil, err
	}
	return []byte(rec.Document), nil
}

func (r *memberRepository) DeleteOne(ctx context.Context, artifactID int64, memberID int) error {
	n, err := r.DeleteWhere(ctx, "artifact_id = ? AND member_id = ?", artifactID, memberID)
	if err != nil {
		return err
	}
	if n == 0 {
		return appErr.Newf(appErr.CodeNotFound, "member %d/%d not found", artifactID, memberID)
	}
	return nil
}

func (r *memberRepository) DeleteByArtifact(ctx context.Context, artifactID int64) (int64, error) {
	return r.DeleteWhere(ctx, "artifact_id = ?", artifactID)
}
