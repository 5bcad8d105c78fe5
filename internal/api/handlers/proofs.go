// proofs.go — обработчики POST /api/v1/proofs/verify и POST /api/v1/jti.
package handlers

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/proof-module/internal/api/errors"
	"github.com/bigkaa/goartstore/proof-module/internal/service"
	"github.com/bigkaa/goartstore/proof-module/internal/verifier"
)

// verifyProofRequest — тело POST /api/v1/proofs/verify.
type verifyProofRequest struct {
	Format         string `json:"format"`
	Proof          string `json:"proof,omitempty"`
	ProofURI       string `json:"proofUri,omitempty"`
	ExpectedDigest string `json:"expectedDigest,omitempty"`
	MaxSizeBytes   int64  `json:"maxSizeBytes,omitempty"`
	JTI            string `json:"jti,omitempty"`
	JTITTLSeconds  int64  `json:"jtiTtlSeconds,omitempty"`
}

// verifyProofResponse — вердикт проверки.
type verifyProofResponse struct {
	OK        bool               `json:"ok"`
	Reason    string             `json:"reason,omitempty"`
	Assurance verifier.Assurance `json:"assurance,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	Source    string             `json:"source"`
	Replayed  *bool              `json:"replayed,omitempty"`
}

// jtiRequest — тело POST /api/v1/jti.
type jtiRequest struct {
	JTI        string `json:"jti"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

// jtiResponse — ответ POST /api/v1/jti.
type jtiResponse struct {
	Replayed bool `json:"replayed"`
}

// VerifyProof — POST /api/v1/proofs/verify.
// Авторизация: RequireScope(proofs:verify) — на уровне middleware.
// Отрицательный вердикт — 200 с ok=false; 422 только при сбое получения по URI.
func (h *APIHandler) VerifyProof(w http.ResponseWriter, r *http.Request) {
	var req verifyProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return
	}

	res, err := h.proofs.Verify(r.Context(), service.VerifyProofRequest{
		Format:         req.Format,
		Proof:          []byte(req.Proof),
		ProofURI:       req.ProofURI,
		ExpectedDigest: req.ExpectedDigest,
		MaxSizeBytes:   req.MaxSizeBytes,
		JTI:            req.JTI,
		JTITTLSeconds:  req.JTITTLSeconds,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyProofResponse{
		OK:        res.OK,
		Reason:    res.Reason,
		Assurance: res.Assurance,
		Metadata:  res.Metadata,
		Source:    res.Source,
		Replayed:  res.Replayed,
	})
}

// RegisterJTI — POST /api/v1/jti.
// Авторизация: RequireScope(proofs:verify) — на уровне middleware.
func (h *APIHandler) RegisterJTI(w http.ResponseWriter, r *http.Request) {
	var req jtiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return
	}

	replayed, err := h.replay.IsReplayed(r.Context(), req.JTI, req.TTLSeconds)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, jtiResponse{Replayed: replayed})
}
