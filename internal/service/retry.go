// retry.go — ограниченный комбинатор оптимистичной конкуренции.
//
// fn выполняет полный цикл чтение → преобразование → условная запись
// и возвращает ErrVersionMismatch, если проиграл гонку. Такая ошибка
// повторяется; любая другая — постоянная и возвращается сразу.
// После исчерпания попыток возвращается ErrWriteConflict.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultWriteAttempts — число попыток условной записи списка статусов.
const DefaultWriteAttempts = 3

var occRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pm_occ_retries_total",
	Help: "Количество повторов оптимистичной записи из-за устаревшего etag",
})

// newOCCBackoff — короткая экспоненциальная пауза с джиттером между попытками.
func newOCCBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return b
}

// RetryOptimistic выполняет fn не более attempts раз.
func RetryOptimistic(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	n := 0
	op := func() error {
		n++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionMismatch) {
			if n < attempts {
				occRetriesTotal.Inc()
			}
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newOCCBackoff(), uint64(attempts-1)), ctx)
	err := backoff.Retry(op, b)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrVersionMismatch) {
		return fmt.Errorf("%w: %d попыток", ErrWriteConflict, n)
	}
	return err
}
