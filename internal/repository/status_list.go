package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
)

// statusListRepo — реализация StatusListRepository для PostgreSQL.
type statusListRepo struct {
	db DBTX
}

// NewStatusListRepository создаёт репозиторий списков статусов.
func NewStatusListRepository(db DBTX) StatusListRepository {
	return &statusListRepo{db: db}
}

func (r *statusListRepo) Create(ctx context.Context, sl *model.StatusList) error {
	query := `
		INSERT INTO status_lists (id, url, purpose, bitstring, size, etag, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		sl.ID, sl.URL, string(sl.Purpose), sl.Bitstring, sl.Size, sl.ETag,
		sl.CreatedAt, sl.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: список %s уже существует", ErrConflict, sl.URL)
		}
		return fmt.Errorf("ошибка создания списка статусов: %w", err)
	}
	return nil
}

func (r *statusListRepo) GetByURL(ctx context.Context, url string) (*model.StatusList, error) {
	query := `
		SELECT id, url, purpose, bitstring, size, etag, created_at, updated_at
		FROM status_lists
		WHERE url = $1`

	sl := &model.StatusList{}
	var purpose string
	err := r.db.QueryRow(ctx, query, url).Scan(
		&sl.ID, &sl.URL, &purpose, &sl.Bitstring, &sl.Size, &sl.ETag,
		&sl.CreatedAt, &sl.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения списка статусов: %w", err)
	}
	sl.Purpose = model.Purpose(purpose)
	return sl, nil
}

func (r *statusListRepo) UpdateIfMatch(ctx context.Context, url, bitstring, newETag, expectedETag string, updatedAt time.Time) (bool, error) {
	query := `
		UPDATE status_lists
		SET bitstring = $2, etag = $3, updated_at = $4
		WHERE url = $1 AND etag = $5`

	tag, err := r.db.Exec(ctx, query, url, bitstring, newETag, updatedAt, expectedETag)
	if err != nil {
		return false, fmt.Errorf("ошибка обновления списка статусов: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *statusListRepo) List(ctx context.Context, limit, offset int) ([]*model.StatusList, error) {
	query := `
		SELECT id, url, purpose, bitstring, size, etag, created_at, updated_at
		FROM status_lists
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка статусов: %w", err)
	}
	defer rows.Close()

	var result []*model.StatusList
	for rows.Next() {
		sl := &model.StatusList{}
		var purpose string
		if err := rows.Scan(
			&sl.ID, &sl.URL, &purpose, &sl.Bitstring, &sl.Size, &sl.ETag,
			&sl.CreatedAt, &sl.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования списка статусов: %w", err)
		}
		sl.Purpose = model.Purpose(purpose)
		result = append(result, sl)
	}
	return result, rows.Err()
}
