// status_list.go — сервис Bitstring Status List.
//
// Хранимое представление — сжатая строка (GZIP + multibase base64url),
// рабочее — сырой битовый буфер: каждое чтение распаковывает,
// каждая запись сжимает заново. Мутации идут только через условную
// запись по etag с ограниченным числом повторов (RetryOptimistic).
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/goartstore/proof-module/internal/bitstring"
	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
	"github.com/bigkaa/goartstore/proof-module/internal/keys"
	"github.com/bigkaa/goartstore/proof-module/internal/repository"
)

// Prometheus-метрики списков статусов.
var (
	statusListsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_status_lists_created_total",
		Help: "Количество созданных списков статусов",
	})
	statusListWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm_status_list_writes_total",
			Help: "Количество пакетных записей в списки статусов по результату",
		},
		[]string{"result"},
	)
)

// Контекст и типы документа W3C Bitstring Status List.
const (
	credentialsContextV2     = "https://www.w3.org/ns/credentials/v2"
	typeVerifiableCredential = "VerifiableCredential"
	typeStatusListCredential = "BitstringStatusListCredential"
	typeStatusList           = "BitstringStatusList"
)

// StatusListCredential — документ списка статусов.
type StatusListCredential struct {
	Context           []string          `json:"@context"`
	ID                string            `json:"id"`
	Type              []string          `json:"type"`
	Issuer            string            `json:"issuer"`
	ValidFrom         string            `json:"validFrom"`
	CredentialSubject StatusListSubject `json:"credentialSubject"`
}

// StatusListSubject — субъект документа, несущий сжатую битовую строку.
type StatusListSubject struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	StatusPurpose string `json:"statusPurpose"`
	EncodedList   string `json:"encodedList"`
}

// statusListClaims — claims VC-JWT представления документа.
type statusListClaims struct {
	jwt.RegisteredClaims
	VC StatusListCredential `json:"vc"`
}

// StatusListService — операции над списками статусов.
type StatusListService struct {
	repo     repository.StatusListRepository
	signer   keys.Provider
	sizeBits int
	baseURL  string
	issuer   string
	attempts int
	group    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

// NewStatusListService создаёт сервис списков статусов.
// sizeBits — ёмкость новых списков, baseURL — префикс канонических url,
// signer может быть nil (тогда SignedDocument недоступен).
func NewStatusListService(
	repo repository.StatusListRepository,
	signer keys.Provider,
	sizeBits int,
	baseURL string,
	issuer string,
	logger *slog.Logger,
) *StatusListService {
	if sizeBits <= 0 {
		sizeBits = bitstring.DefaultSize
	}
	return &StatusListService{
		repo:     repo,
		signer:   signer,
		sizeBits: sizeBits,
		baseURL:  strings.TrimRight(baseURL, "/"),
		issuer:   issuer,
		attempts: DefaultWriteAttempts,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "status_list")),
	}
}

// ListURL возвращает канонический url списка.
func (s *StatusListService) ListURL(purpose model.Purpose, listID string) string {
	return fmt.Sprintf("%s/status/lists/%s/%s", s.baseURL, purpose, listID)
}

// computeETag — хэш сжатого содержимого плюс метка времени мутации.
// Различное содержимое или различный момент дают различный etag.
func computeETag(compressed []byte, at time.Time) string {
	sum := sha256.Sum256(compressed)
	return hex.EncodeToString(sum[:16]) + "-" + strconv.FormatInt(at.UnixNano(), 36)
}

// ensureTimeout ограничивает общий вызов создания списка.
const ensureTimeout = 10 * time.Second

// EnsureList возвращает список по url, создавая его при первом обращении.
// Конкурентные создатели в процессе объединяются singleflight, между
// процессами гонку разрешает уникальность url: проигравший перечитывает строку.
//
// Общий вызов не наследует отмену ни одного из вызывающих: отключение
// клиента прерывает только его ожидание, остальные получают результат.
func (s *StatusListService) EnsureList(ctx context.Context, url string, purpose model.Purpose) (*model.StatusList, error) {
	ch := s.group.DoChan(url, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), ensureTimeout)
		defer cancel()
		return s.ensure(shared, url, purpose)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	sl := *res.Val.(*model.StatusList)
	return &sl, nil
}

func (s *StatusListService) ensure(ctx context.Context, url string, purpose model.Purpose) (*model.StatusList, error) {
	sl, err := s.repo.GetByURL(ctx, url)
	if err == nil {
		return sl, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("чтение списка %s: %w", url, err)
	}

	buf, err := bitstring.New(s.sizeBits)
	if err != nil {
		return nil, err
	}
	compressed, err := bitstring.Compress(buf)
	if err != nil {
		return nil, err
	}
	encoded, err := bitstring.EncodeCompressed(compressed)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sl = &model.StatusList{
		ID:        uuid.New().String(),
		URL:       url,
		Purpose:   purpose,
		Bitstring: encoded,
		Size:      s.sizeBits,
		ETag:      computeETag(compressed, now),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, sl); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.logger.Debug("Список создан конкурентно, перечитываем", slog.String("url", url))
			existing, getErr := s.repo.GetByURL(ctx, url)
			if getErr != nil {
				return nil, fmt.Errorf("перечитывание списка %s: %w", url, getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("создание списка %s: %w", url, err)
	}

	statusListsCreatedTotal.Inc()
	s.logger.Info("Создан список статусов",
		slog.String("url", url),
		slog.String("purpose", string(purpose)),
		slog.Int("size", s.sizeBits),
	)
	return sl, nil
}

// get читает список, переводя ErrNotFound репозитория в сервисный.
func (s *StatusListService) get(ctx context.Context, url string) (*model.StatusList, error) {
	sl, err := s.repo.GetByURL(ctx, url)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: список %s", ErrNotFound, url)
		}
		return nil, fmt.Errorf("чтение списка %s: %w", url, err)
	}
	return sl, nil
}

func decodeList(sl *model.StatusList) ([]byte, error) {
	buf, err := bitstring.Decode(sl.Bitstring, sl.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptList, sl.URL, err)
	}
	return buf, nil
}

// GetBit возвращает значение бита index. Индекс вне ёмкости — ошибка валидации.
func (s *StatusListService) GetBit(ctx context.Context, url string, index int) (bool, error) {
	sl, err := s.get(ctx, url)
	if err != nil {
		return false, err
	}
	buf, err := decodeList(sl)
	if err != nil {
		return false, err
	}
	if err := bitstring.ValidateIndex(buf, index); err != nil {
		return false, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return bitstring.CheckBit(buf, index), nil
}

// ApplyOps применяет пакет операций по протоколу оптимистичной конкуренции:
// чтение → распаковка → ApplyOperations → сжатие → условная запись по etag.
// Проигранная гонка повторяется с шага чтения; после исчерпания попыток —
// ErrWriteConflict. Ошибки валидации не повторяются.
func (s *StatusListService) ApplyOps(ctx context.Context, url string, ops []bitstring.Operation) (*model.StatusList, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: пустой пакет операций", ErrValidation)
	}

	var result *model.StatusList
	err := RetryOptimistic(ctx, s.attempts, func(ctx context.Context) error {
		sl, err := s.get(ctx, url)
		if err != nil {
			return err
		}
		buf, err := decodeList(sl)
		if err != nil {
			return err
		}
		if err := bitstring.ApplyOperations(buf, ops); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}

		compressed, err := bitstring.Compress(buf)
		if err != nil {
			return err
		}
		encoded, err := bitstring.EncodeCompressed(compressed)
		if err != nil {
			return err
		}
		now := s.now()
		etag := computeETag(compressed, now)

		ok, err := s.repo.UpdateIfMatch(ctx, url, encoded, etag, sl.ETag, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrVersionMismatch
		}

		sl.Bitstring = encoded
		sl.ETag = etag
		sl.UpdatedAt = now
		result = sl
		return nil
	})

	switch {
	case err == nil:
		statusListWritesTotal.WithLabelValues("ok").Inc()
		s.logger.Info("Пакет операций применён",
			slog.String("url", url),
			slog.Int("ops", len(ops)),
			slog.String("etag", result.ETag),
		)
		return result, nil
	case errors.Is(err, ErrWriteConflict):
		statusListWritesTotal.WithLabelValues("conflict").Inc()
		s.logger.Warn("Конфликт записи списка статусов",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
	case errors.Is(err, ErrValidation):
		statusListWritesTotal.WithLabelValues("invalid").Inc()
	default:
		statusListWritesTotal.WithLabelValues("error").Inc()
	}
	return nil, err
}

// GetCompressedBitstring возвращает хранимое сжатое представление и etag
// без распаковки.
func (s *StatusListService) GetCompressedBitstring(ctx context.Context, url string) (encoded string, etag string, err error) {
	sl, err := s.get(ctx, url)
	if err != nil {
		return "", "", err
	}
	return sl.Bitstring, sl.ETag, nil
}

// Document строит документ BitstringStatusListCredential для списка.
func (s *StatusListService) Document(sl *model.StatusList) *StatusListCredential {
	return &StatusListCredential{
		Context:   []string{credentialsContextV2},
		ID:        sl.URL,
		Type:      []string{typeVerifiableCredential, typeStatusListCredential},
		Issuer:    s.issuer,
		ValidFrom: sl.UpdatedAt.UTC().Format(time.RFC3339),
		CredentialSubject: StatusListSubject{
			ID:            sl.URL + "#list",
			Type:          typeStatusList,
			StatusPurpose: string(sl.Purpose),
			EncodedList:   sl.Bitstring,
		},
	}
}

// SignedDocument возвращает документ списка как VC-JWT (ES256).
func (s *StatusListService) SignedDocument(sl *model.StatusList) (string, error) {
	if s.signer == nil {
		return "", errors.New("ключ подписи не настроен")
	}
	doc := s.Document(sl)
	claims := statusListClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sl.URL,
			ID:        sl.ETag,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			NotBefore: jwt.NewNumericDate(sl.UpdatedAt),
		},
		VC: *doc,
	}
	return s.signer.Sign(claims, "vc+jwt")
}

// List возвращает страницу списков (для CLI и диагностики).
func (s *StatusListService) List(ctx context.Context, limit, offset int) ([]*model.StatusList, error) {
	lists, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("получение списков статусов: %w", err)
	}
	return lists, nil
}

// CountSet возвращает число установленных битов списка.
func (s *StatusListService) CountSet(sl *model.StatusList) (int, error) {
	buf, err := decodeList(sl)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := 0; i < bitstring.Capacity(buf); i++ {
		if bitstring.CheckBit(buf, i) {
			n++
		}
	}
	return n, nil
}
