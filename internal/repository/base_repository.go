package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	appErr "github.com/plotviz/engine/pkg/errors"
	"gorm.io/gorm"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// BaseRepository defines the row operations shared by the gorm-backed stores.
// Rows are addressed by a where clause since members use a composite key.
type BaseRepository[T any] interface {
	Create(ctx context.Context, obj *T) error
	First(ctx context.Context, dest *T, query string, args ...any) error
	DeleteWhere(ctx context.Context, query string, args ...any) (int64, error)
	Count(ctx context.Context, query string, args ...any) (int64, error)
}

type baseRepository[T any] struct {
	db   *gorm.DB
	kind string
}

// NewBaseRepository returns a BaseRepository for rows of type T. kind names
// the entity in error messages.
func NewBaseRepository[T any](db *gorm.DB, kind string) BaseRepository[T] {
	return &baseRepository[T]{db: db, kind: kind}
}

func (r *baseRepository[T]) Create(ctx context.Context, obj *T) error {
	if err := r.db.WithContext(ctx).Create(obj).Error; err != nil {
		return writeErr(err, "create "+r.kind+" failed")
	}
	return nil
}

func (r *baseRepository[T]) First(ctx context.Context, dest *T, query string, args ...any) error {
	if err := r.db.WithContext(ctx).Where(query, args...).First(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.New(appErr.CodeNotFound, r.kind+" not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get "+r.kind+" failed")
	}
	return nil
}

func (r *baseRepository[T]) DeleteWhere(ctx context.Context, query string, args ...any) (int64, error) {
	var t T
	res := r.db.WithContext(ctx).Where(query, args...).Delete(&t)
	if res.Error != nil {
		return 0, appErr.Wrap(res.Error, appErr.CodeStoreWrite, "delete "+r.kind+" failed")
	}
	return res.RowsAffected, nil
}

func (r *baseRepository[T]) Count(ctx context.Context, query string, args ...any) (int64, error) {
	var (
		t T
		n int64
	)
	if err := r.db.WithContext(ctx).Model(&t).Where(query, args...).Count(&n).Error; err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count "+r.kind+" failed")
	}
	return n, nil
}

// writeErr maps unique violations to CodeAlreadyExists and everything else to
// CodeStoreWrite.
func writeErr(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return appErr.Wrap(err, appErr.CodeAlreadyExists, msg).WithMeta("constraint", pgErr.ConstraintName)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return appErr.Wrap(err, appErr.CodeAlreadyExists, msg)
	}
	return appErr.Wrap(err, appErr.CodeStoreWrite, msg)
}
