package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/spf13/cobra"

	"github.com/bigkaa/goartstore/proof-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/proof-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/proof-module/internal/api/openapi"
	"github.com/bigkaa/goartstore/proof-module/internal/config"
	"github.com/bigkaa/goartstore/proof-module/internal/keys"
	"github.com/bigkaa/goartstore/proof-module/internal/server"
	"github.com/bigkaa/goartstore/proof-module/internal/service"
	"github.com/bigkaa/goartstore/proof-module/internal/sri"
	"github.com/bigkaa/goartstore/proof-module/internal/verifier"
)

// Допуск расхождения часов при проверке exp/nbf токенов доступа.
const jwtLeeway = 30 * time.Second

func commandServe() *cobra.Command {
	return &cobra.Command{
		Use:                   "serve",
		Short:                 "Запустить HTTP-сервер (команда по умолчанию)",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE:                  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	// 1. Конфигурация и логирование
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Proof Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("env", cfg.Env),
		slog.String("db_driver", cfg.DBDriver),
	)

	if os.Getenv("PM_DEPHEALTH_GROUP") == "" {
		logger.Warn("PM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 2. Хранилище и миграции
	store, err := openStorage(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// 3. Ключ подписи списков
	signer, err := loadSigner(cfg, logger)
	if err != nil {
		return err
	}

	// 4. Источники JWKS: токены доступа и токены-доказательства
	var authKeys keyfunc.Keyfunc
	if cfg.AuthJWKSURL != "" {
		authKeys, err = keys.RemoteJWKS(cfg.AuthJWKSURL, cfg.JWKSRefreshInterval, cfg.ProofFetchTimeout, logger)
		if err != nil {
			return fmt.Errorf("JWKS аутентификации: %w", err)
		}
	}
	var proofKeys verifier.KeySource
	if cfg.ProofJWKSURL != "" {
		kf, kfErr := keys.RemoteJWKS(cfg.ProofJWKSURL, cfg.JWKSRefreshInterval, cfg.ProofFetchTimeout, logger)
		if kfErr != nil {
			return fmt.Errorf("JWKS доказательств: %w", kfErr)
		}
		proofKeys = kf
	} else {
		logger.Warn("PM_PROOF_JWKS_URL не задана, VC_JWT и JWS проверяются только структурно")
	}

	// 5. Сервисный слой
	fetcher := sri.NewFetcher(sri.Policy{
		Production:   cfg.IsProduction(),
		AllowedHosts: cfg.ProofHostAllowlist,
		MaxSizeBytes: cfg.ProofMaxSize,
		Timeout:      cfg.ProofFetchTimeout,
	}, nil, logger)
	proofVerifier := verifier.New(
		verifier.NewTokenVerifier(proofKeys, logger),
		verifier.NewZKVerifier(cfg.ZKKeyCacheSize, cfg.ZKKeyCacheTTL, logger),
		logger,
	)
	lists := service.NewStatusListService(store.lists, signer, cfg.StatusListSize, cfg.StatusListBaseURL, cfg.IssuerID, logger)
	replay := service.NewReplayGuard(store.jtis, logger)
	proofs := service.NewProofService(fetcher, proofVerifier, replay, cfg.JTIDefaultTTL, logger)

	// 6. Фоновые задачи
	sweeper := service.NewJTISweeper(replay, cfg.JTISweepInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	dephealthSvc := startDephealth(ctx, cfg, store, logger)
	if dephealthSvc != nil {
		defer dephealthSvc.Stop()
	}

	// 7. Readiness и API handler
	var authChecker handlers.ReadinessChecker
	if cfg.AuthJWKSURL != "" {
		authChecker = middleware.NewJWKSReadinessChecker(cfg.AuthJWKSURL, cfg.ProofFetchTimeout)
	}
	healthHandler := handlers.NewHealthHandler(store.checker, authChecker)

	doc, err := openapi.Load(ctx)
	if err != nil {
		return fmt.Errorf("загрузка OpenAPI: %w", err)
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("сериализация OpenAPI: %w", err)
	}
	validator, err := openapi.NewValidator(doc, logger)
	if err != nil {
		return fmt.Errorf("валидатор OpenAPI: %w", err)
	}

	apiHandler := handlers.NewAPIHandler(healthHandler, lists, proofs, replay, signer, docJSON, cfg.IsProduction(), logger)

	// 8. JWT middleware
	var jwtAuth *middleware.JWTAuth
	if authKeys != nil {
		jwtAuth = middleware.NewJWTAuth(authKeys, cfg.AuthIssuer, jwtLeeway, logger)
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.AuthJWKSURL),
			slog.String("issuer", cfg.AuthIssuer),
		)
	} else {
		logger.Warn("PM_AUTH_JWKS_URL не задана, мутирующие endpoints доступны без аутентификации")
	}

	// 9. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler, jwtAuth, validator)
	if err := srv.Run(ctx); err != nil {
		return err
	}

	logger.Info("Proof Module остановлен")
	return nil
}

// loadSigner загружает ключ подписи списков. В development без
// PM_SIGNING_KEY_PATH генерируется эфемерный ключ.
func loadSigner(cfg *config.Config, logger *slog.Logger) (keys.Provider, error) {
	if cfg.SigningKeyPath != "" {
		signer, err := keys.Load(cfg.SigningKeyPath, cfg.SigningKeyPassword, cfg.SigningKeyID)
		if err != nil {
			return nil, fmt.Errorf("загрузка ключа подписи: %w", err)
		}
		logger.Info("Ключ подписи загружен",
			slog.String("path", cfg.SigningKeyPath),
			slog.String("kid", signer.KeyID()),
		)
		return signer, nil
	}

	signer, err := keys.Generate(cfg.SigningKeyID)
	if err != nil {
		return nil, fmt.Errorf("генерация ключа подписи: %w", err)
	}
	logger.Warn("PM_SIGNING_KEY_PATH не задана, используется эфемерный ключ подписи",
		slog.String("kid", signer.KeyID()),
	)
	return signer, nil
}

// startDephealth запускает topologymetrics. Ошибки не фатальны:
// сервис продолжает работу без мониторинга зависимостей.
func startDephealth(ctx context.Context, cfg *config.Config, store *storage, logger *slog.Logger) *service.DephealthService {
	deps := []service.HTTPDependency{
		{Name: "auth-jwks", URL: cfg.AuthJWKSURL, Critical: true},
		{Name: "proof-jwks", URL: cfg.ProofJWKSURL},
	}

	var pgURL string
	if store.pgDB != nil {
		pgURL = cfg.DatabaseURL("postgres")
	}

	svc, err := service.NewDephealthService(name, cfg.DephealthGroup, store.pgDB, pgURL, deps, cfg.DephealthCheckInterval, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("group", cfg.DephealthGroup),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return svc
}
