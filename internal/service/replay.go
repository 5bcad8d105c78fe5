// replay.go — защита от повторного предъявления (реестр jti).
//
// Проверка атомарна за счёт уникальности первичного ключа: вставка
// и есть детектор. Отдельного «проверить, потом вставить» нет.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
	"github.com/bigkaa/goartstore/proof-module/internal/repository"
)

var replayChecksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pm_jti_checks_total",
		Help: "Количество проверок jti по результату (first, replay, error)",
	},
	[]string{"result"},
)

// ReplayGuard — допуск идентификатора не более одного раза.
type ReplayGuard struct {
	repo   repository.JTIRepository
	now    func() time.Time
	logger *slog.Logger
}

// NewReplayGuard создаёт реестр предъявленных идентификаторов.
func NewReplayGuard(repo repository.JTIRepository, logger *slog.Logger) *ReplayGuard {
	return &ReplayGuard{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "replay_guard")),
	}
}

// IsReplayed регистрирует jti со сроком жизни expirySeconds.
// false — первое предъявление, true — повтор. Запись с истёкшим сроком,
// ещё не удалённая очисткой, продолжает считаться предъявленной.
// Любые ошибки хранилища, кроме нарушения уникальности, возвращаются.
func (g *ReplayGuard) IsReplayed(ctx context.Context, jti string, expirySeconds int64) (bool, error) {
	if strings.TrimSpace(jti) == "" {
		return false, fmt.Errorf("%w: пустой jti", ErrValidation)
	}
	if expirySeconds <= 0 {
		return false, fmt.Errorf("%w: срок жизни jti должен быть положительным", ErrValidation)
	}

	rec := &model.JTIRecord{
		JTI:   jti,
		ExpAt: g.now().Add(time.Duration(expirySeconds) * time.Second),
	}
	err := g.repo.Insert(ctx, rec)
	switch {
	case err == nil:
		replayChecksTotal.WithLabelValues("first").Inc()
		return false, nil
	case errors.Is(err, repository.ErrConflict):
		replayChecksTotal.WithLabelValues("replay").Inc()
		g.logger.Warn("Повторное предъявление jti", slog.String("jti", jti))
		return true, nil
	default:
		replayChecksTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("регистрация jti: %w", err)
	}
}

// CleanupExpired удаляет записи, срок которых строго истёк. Возвращает их число.
func (g *ReplayGuard) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := g.repo.DeleteExpired(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("очистка истёкших jti: %w", err)
	}
	return n, nil
}
