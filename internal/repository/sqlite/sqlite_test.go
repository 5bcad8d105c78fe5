package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/proof-module/internal/database"
	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
	"github.com/bigkaa/goartstore/proof-module/internal/repository"
)

func setupDB(t *testing.T) *sqlx.DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.OpenSQLite(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.MigrateSQLite(db, logger))
	return db
}

func newList(url string) *model.StatusList {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.StatusList{
		ID:        "id-" + url,
		URL:       url,
		Purpose:   model.PurposeRevocation,
		Bitstring: "uH4sIAAAAAAAA",
		Size:      131072,
		ETag:      "etag-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStatusListLifecycle(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewStatusListRepository(db)

	sl := newList("https://status.example.com/revocation/1")
	require.NoError(t, repo.Create(ctx, sl))

	err := repo.Create(ctx, newList(sl.URL))
	require.ErrorIs(t, err, repository.ErrConflict, "дубликат url")

	got, err := repo.GetByURL(ctx, sl.URL)
	require.NoError(t, err)
	assert.Equal(t, sl.Purpose, got.Purpose)
	assert.Equal(t, sl.ETag, got.ETag)
	assert.Equal(t, 131072, got.Size)
	assert.True(t, sl.CreatedAt.Equal(got.CreatedAt))

	_, err = repo.GetByURL(ctx, "https://status.example.com/revocation/404")
	require.ErrorIs(t, err, repository.ErrNotFound)

	ok, err := repo.UpdateIfMatch(ctx, sl.URL, "uNEW", "etag-2", "etag-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateIfMatch(ctx, sl.URL, "uSTALE", "etag-3", "etag-1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "устаревший etag не должен обновлять строку")

	got, err = repo.GetByURL(ctx, sl.URL)
	require.NoError(t, err)
	assert.Equal(t, "uNEW", got.Bitstring)
	assert.Equal(t, "etag-2", got.ETag)

	require.NoError(t, repo.Create(ctx, newList("https://status.example.com/revocation/2")))
	lists, err := repo.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, lists, 2)
}

func TestConditionalUpdateSingleWinner(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewStatusListRepository(db)

	sl := newList("https://status.example.com/suspension/1")
	require.NoError(t, repo.Create(ctx, sl))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := repo.UpdateIfMatch(ctx, sl.URL, "u", "etag-new", "etag-1", time.Now())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestJTIInsertAndSweep(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewJTIRepository(db)
	now := time.Now().UTC()

	require.NoError(t, repo.Insert(ctx, &model.JTIRecord{JTI: "abc", ExpAt: now.Add(time.Hour)}))
	err := repo.Insert(ctx, &model.JTIRecord{JTI: "abc", ExpAt: now.Add(time.Hour)})
	require.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, repo.Insert(ctx, &model.JTIRecord{JTI: "old-1", ExpAt: now.Add(-time.Minute)}))
	require.NoError(t, repo.Insert(ctx, &model.JTIRecord{JTI: "old-2", ExpAt: now.Add(-time.Hour)}))

	n, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	err = repo.Insert(ctx, &model.JTIRecord{JTI: "abc", ExpAt: now.Add(time.Hour)})
	assert.ErrorIs(t, err, repository.ErrConflict, "неистёкшая запись должна сохраниться")

	require.NoError(t, repo.Insert(ctx, &model.JTIRecord{JTI: "old-1", ExpAt: now.Add(time.Hour)}))
}

func newMockRepo(t *testing.T) (repository.JTIRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewJTIRepository(sqlx.NewDb(mockDB, "sqlite3")), mock
}

func TestJTIInsertErrorClassification(t *testing.T) {
	q := regexp.QuoteMeta(`INSERT INTO jti_records (jti, exp_at) VALUES (?, ?)`)

	tests := []struct {
		name         string
		err          error
		wantConflict bool
	}{
		{"primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, true},
		{"unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, true},
		{"not null", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}, false},
		{"занято", sqlite3.Error{Code: sqlite3.ErrBusy}, false},
		{"соединение", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectExec(q).WillReturnError(tt.err)

			err := repo.Insert(context.Background(), &model.JTIRecord{JTI: "x", ExpAt: time.Now()})
			require.Error(t, err)
			assert.Equal(t, tt.wantConflict, errors.Is(err, repository.ErrConflict))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDeleteExpiredError(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`DELETE FROM jti_records`).WillReturnError(errors.New("disk I/O error"))

	_, err := repo.DeleteExpired(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
}
