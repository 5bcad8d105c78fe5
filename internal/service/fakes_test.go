package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
	"github.com/bigkaa/goartstore/proof-module/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStatusLists — StatusListRepository в памяти с теми же гарантиями,
// что у SQL-реализаций: уникальный url и атомарный compare-and-set по etag.
type memStatusLists struct {
	mu    sync.Mutex
	rows  map[string]model.StatusList
	calls struct {
		create, update int
	}
	// beforeUpdate вызывается внутри UpdateIfMatch до сравнения etag.
	beforeUpdate func(url string)
}

func newMemStatusLists() *memStatusLists {
	return &memStatusLists{rows: make(map[string]model.StatusList)}
}

func (m *memStatusLists) Create(_ context.Context, sl *model.StatusList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.create++
	if _, ok := m.rows[sl.URL]; ok {
		return repository.ErrConflict
	}
	m.rows[sl.URL] = *sl
	return nil
}

func (m *memStatusLists) GetByURL(_ context.Context, url string) (*model.StatusList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.rows[url]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sl, nil
}

func (m *memStatusLists) UpdateIfMatch(_ context.Context, url, bitstring, newETag, expectedETag string, updatedAt time.Time) (bool, error) {
	if m.beforeUpdate != nil {
		m.beforeUpdate(url)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.update++
	sl, ok := m.rows[url]
	if !ok || sl.ETag != expectedETag {
		return false, nil
	}
	sl.Bitstring = bitstring
	sl.ETag = newETag
	sl.UpdatedAt = updatedAt
	m.rows[url] = sl
	return true, nil
}

func (m *memStatusLists) List(_ context.Context, limit, offset int) ([]*model.StatusList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.StatusList, 0, len(m.rows))
	for _, sl := range m.rows {
		out = append(out, &sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// bump меняет etag строки в обход сервиса, имитируя чужую запись.
func (m *memStatusLists) bump(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl := m.rows[url]
	sl.ETag += "x"
	m.rows[url] = sl
}

// memJTI — JTIRepository в памяти.
type memJTI struct {
	mu        sync.Mutex
	rows      map[string]time.Time
	insertErr error
}

func newMemJTI() *memJTI {
	return &memJTI{rows: make(map[string]time.Time)}
}

func (m *memJTI) Insert(_ context.Context, rec *model.JTIRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, ok := m.rows[rec.JTI]; ok {
		return repository.ErrConflict
	}
	m.rows[rec.JTI] = rec.ExpAt
	return nil
}

func (m *memJTI) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, exp := range m.rows {
		if exp.Before(now) {
			delete(m.rows, jti)
			n++
		}
	}
	return n, nil
}

var errStorageDown = errors.New("соединение с хранилищем потеряно")
