// status_lists.go — обработчики /status/lists/{purpose}/{listId}[/...].
// Документ списка, значение бита и пакет операций.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/goartstore/proof-module/internal/api/errors"
	"github.com/bigkaa/goartstore/proof-module/internal/bitstring"
	"github.com/bigkaa/goartstore/proof-module/internal/domain/model"
)

// mediaTypeVCJWT — подписанное представление документа списка.
const mediaTypeVCJWT = "application/vc+jwt"

// cacheControlStatus — статус меняется в любой момент, промежуточный кэш запрещён.
const cacheControlStatus = "private, no-cache, must-revalidate"

// listIDPattern совпадает с шаблоном listId в OpenAPI контракте.
var listIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// statusBitResponse — тело ответа GET .../bits/{index}.
type statusBitResponse struct {
	Index   int    `json:"index"`
	Set     bool   `json:"set"`
	Purpose string `json:"purpose"`
}

// operationsRequest — тело POST .../operations.
type operationsRequest struct {
	Operations []bitstring.Operation `json:"operations"`
}

// operationsResponse — ответ POST .../operations.
type operationsResponse struct {
	URL  string `json:"url"`
	ETag string `json:"etag"`
}

// listParams извлекает и проверяет purpose и listId из пути.
func listParams(r *http.Request) (model.Purpose, string, error) {
	var rawPurpose, listID string
	if err := runtime.BindStyledParameterWithOptions("simple", "purpose", chi.URLParam(r, "purpose"), &rawPurpose,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true}); err != nil {
		return "", "", fmt.Errorf("некорректный параметр purpose: %w", err)
	}
	if err := runtime.BindStyledParameterWithOptions("simple", "listId", chi.URLParam(r, "listId"), &listID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true}); err != nil {
		return "", "", fmt.Errorf("некорректный параметр listId: %w", err)
	}

	purpose, err := model.ParsePurpose(rawPurpose)
	if err != nil {
		return "", "", err
	}
	if !listIDPattern.MatchString(listID) {
		return "", "", errors.New("listId: ожидается 1-64 символа из [A-Za-z0-9._-]")
	}
	return purpose, listID, nil
}

// quoteETag оформляет etag как строгий entity-tag.
func quoteETag(etag string) string {
	return `"` + etag + `"`
}

// etagMatches проверяет If-None-Match: список тегов через запятую,
// слабые теги (W/) сравниваются по значению, "*" совпадает с любым.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if strings.Trim(candidate, `"`) == etag {
			return true
		}
	}
	return false
}

// wantsVCJWT — клиент явно запросил подписанное представление.
func wantsVCJWT(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(mt), mediaTypeVCJWT) {
			return true
		}
	}
	return false
}

// GetStatusList — GET /status/lists/{purpose}/{listId}.
// Список создаётся при первом обращении. Ответ несёт ETag и запрещает
// промежуточное кэширование; совпавший If-None-Match даёт 304 без тела.
func (h *APIHandler) GetStatusList(w http.ResponseWriter, r *http.Request) {
	purpose, listID, err := listParams(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	sl, err := h.lists.EnsureList(r.Context(), h.lists.ListURL(purpose, listID), purpose)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	w.Header().Set("ETag", quoteETag(sl.ETag))
	w.Header().Set("Cache-Control", cacheControlStatus)
	w.Header().Set("Vary", "Accept")

	if etagMatches(r.Header.Get("If-None-Match"), sl.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if wantsVCJWT(r) {
		signed, err := h.lists.SignedDocument(sl)
		if err != nil {
			h.handleServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", mediaTypeVCJWT)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(signed))
		return
	}

	writeJSON(w, http.StatusOK, h.lists.Document(sl))
}

// GetStatusBit — GET /status/lists/{purpose}/{listId}/bits/{index}.
func (h *APIHandler) GetStatusBit(w http.ResponseWriter, r *http.Request) {
	purpose, listID, err := listParams(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	var index int
	if err := runtime.BindStyledParameterWithOptions("simple", "index", chi.URLParam(r, "index"), &index,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true}); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр index: ожидается целое число")
		return
	}

	url := h.lists.ListURL(purpose, listID)
	if _, err := h.lists.EnsureList(r.Context(), url, purpose); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	set, err := h.lists.GetBit(r.Context(), url, index)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", cacheControlStatus)
	writeJSON(w, http.StatusOK, statusBitResponse{
		Index:   index,
		Set:     set,
		Purpose: string(purpose),
	})
}

// ApplyStatusOperations — POST /status/lists/{purpose}/{listId}/operations.
// Авторизация: RequireScope(status:write) — на уровне middleware.
// Пакет применяется атомарно: либо все операции, либо ни одной.
func (h *APIHandler) ApplyStatusOperations(w http.ResponseWriter, r *http.Request) {
	purpose, listID, err := listParams(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	var req operationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return
	}

	url := h.lists.ListURL(purpose, listID)
	if _, err := h.lists.EnsureList(r.Context(), url, purpose); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	sl, err := h.lists.ApplyOps(r.Context(), url, req.Operations)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	w.Header().Set("ETag", quoteETag(sl.ETag))
	writeJSON(w, http.StatusOK, operationsResponse{URL: sl.URL, ETag: sl.ETag})
}
