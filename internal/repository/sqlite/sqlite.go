// Пакет sqlite — реализация репозиториев на SQLite (sqlx + go-sqlite3).
// Предназначен для однонодового и dev-развёртывания; контракт
// совпадает с PostgreSQL-репозиториями пакета repository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
	"github.com/bigkaa/goartstore/proof-module/internal/repository"
)

// isUniqueViolation проверяет нарушение PRIMARY KEY или UNIQUE.
// Прочие constraint-ошибки (CHECK, NOT NULL) конфликтом не считаются.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// statusListRepo — StatusListRepository на SQLite.
type statusListRepo struct {
	db *sqlx.DB
}

// NewStatusListRepository создаёт репозиторий списков статусов на SQLite.
func NewStatusListRepository(db *sqlx.DB) repository.StatusListRepository {
	return &statusListRepo{db: db}
}

func (r *statusListRepo) Create(ctx context.Context, sl *model.StatusList) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO status_lists (id, url, purpose, bitstring, size, etag, created_at, updated_at)
		VALUES (:id, :url, :purpose, :bitstring, :size, :etag, :created_at, :updated_at)`, sl)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: список %s уже существует", repository.ErrConflict, sl.URL)
		}
		return fmt.Errorf("ошибка создания списка статусов: %w", err)
	}
	return nil
}

func (r *statusListRepo) GetByURL(ctx context.Context, url string) (*model.StatusList, error) {
	sl := &model.StatusList{}
	err := r.db.GetContext(ctx, sl, `
		SELECT id, url, purpose, bitstring, size, etag, created_at, updated_at
		FROM status_lists
		WHERE url = ?`, url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения списка статусов: %w", err)
	}
	return sl, nil
}

func (r *statusListRepo) UpdateIfMatch(ctx context.Context, url, bitstring, newETag, expectedETag string, updatedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE status_lists
		SET bitstring = ?, etag = ?, updated_at = ?
		WHERE url = ? AND etag = ?`,
		bitstring, newETag, updatedAt.UTC(), url, expectedETag)
	if err != nil {
		return false, fmt.Errorf("ошибка обновления списка статусов: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ошибка получения числа обновлённых строк: %w", err)
	}
	return n == 1, nil
}

func (r *statusListRepo) List(ctx context.Context, limit, offset int) ([]*model.StatusList, error) {
	var result []*model.StatusList
	err := r.db.SelectContext(ctx, &result, `
		SELECT id, url, purpose, bitstring, size, etag, created_at, updated_at
		FROM status_lists
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка статусов: %w", err)
	}
	return result, nil
}

// jtiRepo — JTIRepository на SQLite.
type jtiRepo struct {
	db *sqlx.DB
}

// NewJTIRepository создаёт репозиторий предъявленных идентификаторов на SQLite.
func NewJTIRepository(db *sqlx.DB) repository.JTIRepository {
	return &jtiRepo{db: db}
}

func (r *jtiRepo) Insert(ctx context.Context, rec *model.JTIRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jti_records (jti, exp_at) VALUES (?, ?)`,
		rec.JTI, rec.ExpAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: jti уже предъявлен", repository.ErrConflict)
		}
		return fmt.Errorf("ошибка сохранения jti: %w", err)
	}
	return nil
}

func (r *jtiRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jti_records WHERE exp_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления истёкших jti: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ошибка получения числа удалённых строк: %w", err)
	}
	return n, nil
}
