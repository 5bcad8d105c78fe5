package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
)

// jtiRepo — реализация JTIRepository для PostgreSQL.
type jtiRepo struct {
	db DBTX
}

// NewJTIRepository создаёт репозиторий предъявленных идентификаторов.
func NewJTIRepository(db DBTX) JTIRepository {
	return &jtiRepo{db: db}
}

// Insert не использует ON CONFLICT: нарушение первичного ключа
// и есть сигнал повтора.
func (r *jtiRepo) Insert(ctx context.Context, rec *model.JTIRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO jti_records (jti, exp_at) VALUES ($1, $2)`,
		rec.JTI, rec.ExpAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: jti уже предъявлен", ErrConflict)
		}
		return fmt.Errorf("ошибка сохранения jti: %w", err)
	}
	return nil
}

func (r *jtiRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM jti_records WHERE exp_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления истёкших jti: %w", err)
	}
	return tag.RowsAffected(), nil
}
