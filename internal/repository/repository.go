// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
// Альтернативный движок SQLite — в подпакете sqlite с теми же интерфейсами.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StatusListRepository — хранилище списков статусов.
// Уникальность url и условное обновление по etag — контракт,
// на котором построена оптимистичная конкуренция.
type StatusListRepository interface {
	// Create сохраняет новый список. Дубликат url — ErrConflict.
	Create(ctx context.Context, sl *model.StatusList) error
	// GetByURL возвращает список по url или ErrNotFound.
	GetByURL(ctx context.Context, url string) (*model.StatusList, error)
	// UpdateIfMatch записывает новое содержимое, только если текущий etag
	// равен expectedETag. false — строку успел изменить другой писатель.
	UpdateIfMatch(ctx context.Context, url, bitstring, newETag, expectedETag string, updatedAt time.Time) (bool, error)
	// List возвращает списки, отсортированные по created_at.
	List(ctx context.Context, limit, offset int) ([]*model.StatusList, error)
}

// JTIRepository — реестр предъявленных идентификаторов.
type JTIRepository interface {
	// Insert сохраняет запись. Нарушение первичного ключа — ErrConflict,
	// любые другие ошибки возвращаются как есть.
	Insert(ctx context.Context, rec *model.JTIRecord) error
	// DeleteExpired удаляет записи с exp_at строго раньше now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
