// jti_sweeper.go — фоновая очистка истёкших jti.
//
// Запускается как горутина с периодическим тикером (PM_JTI_SWEEP_INTERVAL).
// Корректность ReplayGuard от очистки не зависит: она только освобождает место.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики очистки jti
var (
	jtiSweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_jti_sweep_runs_total",
		Help: "Общее количество запусков очистки jti",
	})

	jtiSweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_jti_sweep_deleted_total",
		Help: "Общее количество удалённых истёкших jti",
	})

	jtiSweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_jti_sweep_errors_total",
		Help: "Количество неудачных запусков очистки jti",
	})

	jtiSweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pm_jti_sweep_duration_seconds",
		Help:    "Длительность очистки jti в секундах",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
)

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// Deleted — количество удалённых записей
	Deleted int64
	// Err — ошибка хранилища, если запуск не удался
	Err error
	// Duration — длительность выполнения
	Duration time.Duration
}

// JTISweeper — фоновый процесс очистки реестра jti.
type JTISweeper struct {
	guard    *ReplayGuard
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJTISweeper создаёт процесс очистки.
func NewJTISweeper(guard *ReplayGuard, interval time.Duration, logger *slog.Logger) *JTISweeper {
	return &JTISweeper{
		guard:    guard,
		interval: interval,
		timeout:  30 * time.Second,
		logger:   logger.With(slog.String("component", "jti_sweeper")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (s *JTISweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка jti запущена",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновый процесс и дожидается его завершения.
func (s *JTISweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("Очистка jti остановлена")
}

func (s *JTISweeper) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (s *JTISweeper) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.guard.CleanupExpired(runCtx)
	result := &SweepResult{Deleted: n, Err: err, Duration: time.Since(start)}

	jtiSweepRunsTotal.Inc()
	jtiSweepDurationSeconds.Observe(result.Duration.Seconds())

	if err != nil {
		jtiSweepErrorsTotal.Inc()
		s.logger.Error("Ошибка очистки jti",
			slog.String("error", err.Error()),
		)
		return result
	}

	jtiSweepDeletedTotal.Add(float64(n))
	if n > 0 {
		s.logger.Info("Очистка jti завершена",
			slog.Int64("deleted", n),
			slog.String("duration", result.Duration.String()),
		)
	} else {
		s.logger.Debug("Очистка jti завершена, истёкших записей нет")
	}
	return result
}
