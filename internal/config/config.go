// Пакет config — загрузка и валидация конфигурации Proof Module
// из переменных окружения.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Режимы развёртывания.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Драйверы хранилища.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config содержит все параметры конфигурации Proof Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Файл логов с ротацией (пусто — stdout)
	LogFile string
	// Максимальный размер файла логов в МБ до ротации
	LogMaxSizeMB int
	// Режим развёртывания: production или development
	Env string

	// --- Хранилище ---

	// Драйвер: postgres или sqlite
	DBDriver string
	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Путь к файлу SQLite
	SQLitePath string

	// --- Списки статусов ---

	// Ёмкость новых списков в битах
	StatusListSize int
	// Базовый URL, из которого строится канонический url списка
	StatusListBaseURL string
	// Идентификатор издателя в документе списка
	IssuerID string

	// --- Получение доказательств (SRI) ---

	// Максимальный размер доказательства в байтах
	ProofMaxSize int64
	// Таймаут получения доказательства
	ProofFetchTimeout time.Duration
	// Разрешённые хосты (через запятую)
	ProofHostAllowlist []string
	// JWKS для проверки подписи токенов-доказательств (опционально)
	ProofJWKSURL string

	// --- Replay guard ---

	// Интервал очистки истёкших jti
	JTISweepInterval time.Duration
	// TTL jti по умолчанию, если клиент не указал
	JTIDefaultTTL time.Duration

	// --- ZK ---

	// Размер кэша разобранных ключей верификации
	ZKKeyCacheSize int
	// TTL записи кэша ключей верификации
	ZKKeyCacheTTL time.Duration

	// --- Аутентификация мутирующих endpoints ---

	// URL JWKS endpoint IdP
	AuthJWKSURL string
	// Ожидаемый issuer JWT
	AuthIssuer string
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration

	// --- Ключ подписи ---

	// Путь к PEM или PKCS#12 с ключом подписи
	SigningKeyPath string
	// Пароль PKCS#12
	SigningKeyPassword string
	// Идентификатор ключа (kid)
	SigningKeyID string

	// --- CORS ---

	// Разрешённые origins для публичных endpoints
	CORSAllowedOrigins []string

	// --- Мониторинг зависимостей ---

	// Группа в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- HTTP таймауты и shutdown ---

	// Таймаут чтения запроса
	HTTPReadTimeout time.Duration
	// Таймаут записи ответа
	HTTPWriteTimeout time.Duration
	// Таймаут простоя keep-alive
	HTTPIdleTimeout time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// PM_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("PM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("PM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// PM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PM_LOG_LEVEL: %w", err)
	}

	// PM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("PM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// PM_LOG_FILE — файл логов (опционально)
	cfg.LogFile = getEnvDefault("PM_LOG_FILE", "")

	// PM_LOG_MAX_SIZE_MB — размер файла до ротации (по умолчанию 100)
	cfg.LogMaxSizeMB, err = getEnvInt("PM_LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return nil, fmt.Errorf("PM_LOG_MAX_SIZE_MB: %w", err)
	}

	// PM_ENV — режим развёртывания (по умолчанию production)
	cfg.Env = strings.ToLower(getEnvDefault("PM_ENV", EnvProduction))
	if cfg.Env != EnvProduction && cfg.Env != EnvDevelopment {
		return nil, fmt.Errorf("PM_ENV: недопустимое значение %q, допустимые: production, development", cfg.Env)
	}

	// --- Хранилище ---

	// PM_DB_DRIVER — postgres или sqlite (по умолчанию postgres)
	cfg.DBDriver = getEnvDefault("PM_DB_DRIVER", DriverPostgres)
	switch cfg.DBDriver {
	case DriverPostgres:
		if err := loadPostgres(cfg); err != nil {
			return nil, err
		}
	case DriverSQLite:
		// PM_SQLITE_PATH — путь к файлу SQLite (по умолчанию proof-module.db)
		cfg.SQLitePath = getEnvDefault("PM_SQLITE_PATH", "proof-module.db")
	default:
		return nil, fmt.Errorf("PM_DB_DRIVER: недопустимое значение %q, допустимые: postgres, sqlite", cfg.DBDriver)
	}

	// --- Списки статусов ---

	// PM_STATUS_LIST_SIZE — ёмкость новых списков (по умолчанию 131072)
	cfg.StatusListSize, err = getEnvInt("PM_STATUS_LIST_SIZE", 131072)
	if err != nil {
		return nil, fmt.Errorf("PM_STATUS_LIST_SIZE: %w", err)
	}
	if cfg.StatusListSize < 8 || cfg.StatusListSize%8 != 0 {
		return nil, fmt.Errorf("PM_STATUS_LIST_SIZE: значение %d должно быть положительным и кратным 8", cfg.StatusListSize)
	}

	// PM_STATUS_LIST_BASE_URL — базовый URL списков
	cfg.StatusListBaseURL = strings.TrimRight(
		getEnvDefault("PM_STATUS_LIST_BASE_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")

	// PM_ISSUER_ID — издатель (по умолчанию базовый URL)
	cfg.IssuerID = getEnvDefault("PM_ISSUER_ID", cfg.StatusListBaseURL)

	// --- SRI ---

	// PM_PROOF_MAX_SIZE — предел размера доказательства (по умолчанию 1 MiB)
	maxSize, err := getEnvInt("PM_PROOF_MAX_SIZE", 1<<20)
	if err != nil {
		return nil, fmt.Errorf("PM_PROOF_MAX_SIZE: %w", err)
	}
	if maxSize < 1 {
		return nil, fmt.Errorf("PM_PROOF_MAX_SIZE: значение %d должно быть положительным", maxSize)
	}
	cfg.ProofMaxSize = int64(maxSize)

	// PM_PROOF_FETCH_TIMEOUT — таймаут получения (по умолчанию 10s)
	cfg.ProofFetchTimeout, err = getEnvDuration("PM_PROOF_FETCH_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_PROOF_FETCH_TIMEOUT: %w", err)
	}

	// PM_PROOF_HOST_ALLOWLIST — разрешённые хосты
	cfg.ProofHostAllowlist = parseCSV(getEnvDefault("PM_PROOF_HOST_ALLOWLIST", ""))

	// PM_PROOF_JWKS_URL — JWKS для подписи токенов-доказательств (опционально)
	cfg.ProofJWKSURL = getEnvDefault("PM_PROOF_JWKS_URL", "")

	// --- Replay guard ---

	// PM_JTI_SWEEP_INTERVAL — интервал очистки (по умолчанию 10m)
	cfg.JTISweepInterval, err = getEnvDuration("PM_JTI_SWEEP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_JTI_SWEEP_INTERVAL: %w", err)
	}

	// PM_JTI_DEFAULT_TTL — TTL по умолчанию (по умолчанию 1h)
	cfg.JTIDefaultTTL, err = getEnvDuration("PM_JTI_DEFAULT_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PM_JTI_DEFAULT_TTL: %w", err)
	}

	// --- ZK ---

	// PM_ZK_KEY_CACHE_SIZE — размер кэша ключей (по умолчанию 256)
	cfg.ZKKeyCacheSize, err = getEnvInt("PM_ZK_KEY_CACHE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("PM_ZK_KEY_CACHE_SIZE: %w", err)
	}

	// PM_ZK_KEY_CACHE_TTL — TTL кэша ключей (по умолчанию 1h)
	cfg.ZKKeyCacheTTL, err = getEnvDuration("PM_ZK_KEY_CACHE_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PM_ZK_KEY_CACHE_TTL: %w", err)
	}

	// --- Аутентификация ---

	// PM_AUTH_JWKS_URL — обязателен в production
	cfg.AuthJWKSURL = getEnvDefault("PM_AUTH_JWKS_URL", "")
	if cfg.AuthJWKSURL == "" && cfg.IsProduction() {
		return nil, fmt.Errorf("PM_AUTH_JWKS_URL: обязательная переменная окружения в режиме production")
	}

	// PM_AUTH_ISSUER — ожидаемый issuer (опционально)
	cfg.AuthIssuer = getEnvDefault("PM_AUTH_ISSUER", "")

	// PM_JWKS_REFRESH_INTERVAL — интервал обновления JWKS (по умолчанию 15m)
	cfg.JWKSRefreshInterval, err = getEnvDuration("PM_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// --- Ключ подписи ---

	// PM_SIGNING_KEY_PATH — обязателен в production
	cfg.SigningKeyPath = getEnvDefault("PM_SIGNING_KEY_PATH", "")
	if cfg.SigningKeyPath == "" && cfg.IsProduction() {
		return nil, fmt.Errorf("PM_SIGNING_KEY_PATH: обязательная переменная окружения в режиме production")
	}
	cfg.SigningKeyPassword = getEnvDefault("PM_SIGNING_KEY_PASSWORD", "")
	cfg.SigningKeyID = getEnvDefault("PM_SIGNING_KEY_ID", "")

	// --- CORS ---

	// PM_CORS_ALLOWED_ORIGINS — origins (по умолчанию "*")
	cfg.CORSAllowedOrigins = parseCSV(getEnvDefault("PM_CORS_ALLOWED_ORIGINS", "*"))

	// --- Мониторинг зависимостей ---

	cfg.DephealthGroup = getEnvDefault("PM_DEPHEALTH_GROUP", "proof")

	// PM_DEPHEALTH_CHECK_INTERVAL — интервал проверки (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("PM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- HTTP ---

	cfg.HTTPReadTimeout, err = getEnvDuration("PM_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("PM_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("PM_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// PM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("PM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadPostgres загружает параметры подключения к PostgreSQL.
func loadPostgres(cfg *Config) error {
	var err error

	// PM_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("PM_DB_HOST")
	if err != nil {
		return err
	}

	// PM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("PM_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("PM_DB_PORT: %w", err)
	}

	// PM_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("PM_DB_NAME")
	if err != nil {
		return err
	}

	// PM_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("PM_DB_USER")
	if err != nil {
		return err
	}

	// PM_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("PM_DB_PASSWORD")
	if err != nil {
		return err
	}

	// PM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("PM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("PM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// IsProduction сообщает, запущен ли сервис в режиме production.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL (для golang-migrate и меток dephealth).
func (c *Config) DatabaseURL(scheme string) string {
	return fmt.Sprintf(
		"%s://%s:%s@%s:%d/%s?sslmode=%s",
		scheme, c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
// При заданном PM_LOG_FILE логи пишутся в файл с ротацией.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: 10,
			MaxAge:     30,
			LocalTime:  true,
			Compress:   true,
		}
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("длительность должна быть положительной: %q", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
