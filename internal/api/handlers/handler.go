// handler.go — основной обработчик API Proof Module.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/proof-module/internal/api/errors"
	"github.com/bigkaa/goartstore/proof-module/internal/bitstring"
	"github.com/bigkaa/goartstore/proof-module/internal/keys"
	"github.com/bigkaa/goartstore/proof-module/internal/service"
	"github.com/bigkaa/goartstore/proof-module/internal/sri"
)

// APIHandler — основной обработчик API Proof Module.
type APIHandler struct {
	health     *HealthHandler
	lists      *service.StatusListService
	proofs     *service.ProofService
	replay     *service.ReplayGuard
	signer     keys.Provider
	openapi    []byte
	production bool
	logger     *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// signer может быть nil: тогда JWKS и VC-JWT недоступны.
// openapiJSON — сериализованный контракт для /api/openapi.json.
func NewAPIHandler(
	health *HealthHandler,
	lists *service.StatusListService,
	proofs *service.ProofService,
	replay *service.ReplayGuard,
	signer keys.Provider,
	openapiJSON []byte,
	production bool,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:     health,
		lists:      lists,
		proofs:     proofs,
		replay:     replay,
		signer:     signer,
		openapi:    openapiJSON,
		production: production,
		logger:     logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// GetJWKS — GET /.well-known/jwks.json, публичный ключ подписи списков.
func (h *APIHandler) GetJWKS(w http.ResponseWriter, _ *http.Request) {
	if h.signer == nil {
		apierrors.NotFound(w, "Ключ подписи не настроен")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.signer.PublicJWKS())
}

// GetOpenAPI — GET /api/openapi.json.
func (h *APIHandler) GetOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapi)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// handleServiceError маппит ошибки сервисного слоя в HTTP-ответы.
func (h *APIHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var fetchErr *sri.FetchError
	switch {
	case errors.As(err, &fetchErr):
		apierrors.ProofFetchFailed(w, string(fetchErr.Reason), fetchErr.Error())
	case errors.Is(err, bitstring.ErrIndexOutOfRange):
		apierrors.IndexOutOfRange(w, err.Error())
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Список статусов не найден")
	case errors.Is(err, service.ErrWriteConflict):
		apierrors.WriteConflict(w, "Список изменён конкурентно, повторите запрос")
	default:
		h.logger.Error("Внутренняя ошибка обработки запроса",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		message := "Внутренняя ошибка сервера"
		if !h.production {
			message += ": " + err.Error()
		}
		apierrors.InternalError(w, message)
	}
}
