// Пакет server — HTTP-сервер Proof Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/bigkaa/goartstore/proof-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/proof-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/proof-module/internal/api/openapi"
	"github.com/bigkaa/goartstore/proof-module/internal/config"
)

// Server — HTTP-сервер Proof Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler, jwtAuth *middleware.JWTAuth, validator *openapi.Validator) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, handler, jwtAuth, validator, cfg.CORSAllowedOrigins),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты.
// jwtAuth == nil — мутирующие endpoints без аутентификации (только development).
// validator == nil — без проверки запросов по OpenAPI.
// corsOrigins пуст — CORS-заголовки не выставляются.
func NewRouter(
	logger *slog.Logger,
	handler *handlers.APIHandler,
	jwtAuth *middleware.JWTAuth,
	validator *openapi.Validator,
	corsOrigins []string,
) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.RequestID())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// CORS только для чтения: preflight для POST не проходит.
	if len(corsOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead},
			AllowedHeaders: []string{"Accept", "If-None-Match"},
			ExposedHeaders: []string{"ETag", middleware.HeaderRequestID},
			MaxAge:         600,
		}).Handler)
	}

	if validator != nil {
		router.Use(validator.Middleware())
	}

	// Публичные endpoints. Health и metrics проверяются Kubernetes напрямую.
	router.Get("/health/live", handler.HealthLive)
	router.Get("/health/ready", handler.HealthReady)
	router.Get("/metrics", handler.GetMetrics)
	router.Get("/.well-known/jwks.json", handler.GetJWKS)
	router.Get("/api/openapi.json", handler.GetOpenAPI)
	router.Get("/status/lists/{purpose}/{listId}", handler.GetStatusList)
	router.Get("/status/lists/{purpose}/{listId}/bits/{index}", handler.GetStatusBit)

	// Мутирующие endpoints — JWT + scope.
	router.Group(func(r chi.Router) {
		if jwtAuth != nil {
			r.Use(jwtAuth.Middleware())
		}
		r.With(scope(jwtAuth, middleware.ScopeStatusWrite)).
			Post("/status/lists/{purpose}/{listId}/operations", handler.ApplyStatusOperations)
		r.With(scope(jwtAuth, middleware.ScopeProofsVerify)).
			Post("/api/v1/proofs/verify", handler.VerifyProof)
		r.With(scope(jwtAuth, middleware.ScopeProofsVerify)).
			Post("/api/v1/jti", handler.RegisterJTI)
	})

	return router
}

// scope возвращает RequireScope, либо пропускающий middleware без аутентификации.
func scope(jwtAuth *middleware.JWTAuth, s string) func(http.Handler) http.Handler {
	if jwtAuth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RequireScope(s)
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
