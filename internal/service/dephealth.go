// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Proof Module мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical);
//     для движка SQLite зависимость не регистрируется
//   - JWKS endpoints — HTTP checker (ключи авторизации и ключи проверки токен-доказательств)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// maxDepNameLen — ограничение длины имени зависимости (как у DNS-метки).
const maxDepNameLen = 63

var nonDepNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// HTTPDependency — HTTP-зависимость, проверяемая GET-запросом к её URL.
type HTTPDependency struct {
	// Name — имя в метриках; пустое — выводится из хоста
	Name string
	// URL — полный URL, path используется как health path
	URL string
	// Critical — влияет ли зависимость на готовность
	Critical bool
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	names  []string
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения ("proof-module")
//   - group — имя группы в метриках (PM_DEPHEALTH_GROUP)
//   - db — *sql.DB из pgxpool через stdlib.OpenDBFromPool(); nil для SQLite
//   - pgConnURL — URL подключения к PostgreSQL (для лейблов, не для подключения)
//   - deps — HTTP-зависимости (JWKS endpoints)
//   - checkInterval — интервал проверки (PM_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	deps []HTTPDependency,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, deps, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	deps []HTTPDependency,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, deps, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	deps []HTTPDependency,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := make([]dephealth.Option, 0, 2+len(deps)+len(extraOpts))
	opts = append(opts, dephealth.WithLogger(logger))
	var names []string

	if db != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(pgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		))
		names = append(names, "postgresql")
	}

	seen := make(map[string]bool)
	for _, d := range deps {
		if d.URL == "" {
			continue
		}
		name := d.Name
		if name == "" {
			host, _, _, err := parseDepURL(d.URL)
			if err != nil {
				return nil, err
			}
			name = NormalizeDepName(host)
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		depOpts := []dephealth.DependencyOption{
			dephealth.FromURL(d.URL),
			dephealth.WithHTTPHealthPath(healthPath(d.URL)),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(d.Critical),
		}
		if _, _, tls, err := parseDepURL(d.URL); err == nil && tls {
			depOpts = append(depOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		opts = append(opts, dephealth.HTTP(name, depOpts...))
		names = append(names, name)
	}

	if len(names) == 0 {
		return nil, errors.New("нет зависимостей для мониторинга")
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		names:  names,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен",
		slog.String("dependencies", strings.Join(ds.names, ",")),
	)
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// NormalizeDepName приводит имя к виду, допустимому в лейблах dephealth:
// нижний регистр, [a-z0-9-], начинается с буквы, не длиннее 63 символов.
func NormalizeDepName(s string) string {
	name := nonDepNameChars.ReplaceAllString(strings.ToLower(s), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		return "unknown-dep"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "dep-" + name
	}
	if len(name) > maxDepNameLen {
		name = strings.TrimRight(name[:maxDepNameLen], "-")
	}
	return name
}

// parseDepURL разбирает URL зависимости: хост, порт (по умолчанию по схеме), TLS.
func parseDepURL(raw string) (host, port string, tls bool, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false, err
	}
	if u.Hostname() == "" {
		return "", "", false, errors.New("в URL зависимости нет хоста: " + raw)
	}
	tls = u.Scheme == "https"
	port = u.Port()
	if port == "" {
		port = "80"
		if tls {
			port = "443"
		}
	}
	return u.Hostname(), port, tls, nil
}

// healthPath — path самого URL (у JWKS endpoint отдельного /health нет).
func healthPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	return "/health"
}
