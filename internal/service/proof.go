// proof.go — проверка свежего доказательства: получение (SRI) → проверка
// формата → регистрация jti.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/proof-module/internal/sri"
	"github.com/bigkaa/goartstore/proof-module/internal/verifier"
)

// ReasonReplayed — доказательство верно, но его jti уже предъявлялся.
const ReasonReplayed = "replayed_jti"

// ProofFetcher — загрузка доказательства по URI с проверкой дайджеста.
type ProofFetcher interface {
	Fetch(ctx context.Context, req sri.Request) ([]byte, error)
}

// ProofVerifier — проверка доказательства заявленного формата.
type ProofVerifier interface {
	Verify(ctx context.Context, format verifier.Format, payload []byte) verifier.Result
}

// VerifyProofRequest — входные данные проверки. Доказательство передаётся
// либо inline (Proof), либо ссылкой (ProofURI + ExpectedDigest).
type VerifyProofRequest struct {
	Format         string
	Proof          []byte
	ProofURI       string
	ExpectedDigest string
	MaxSizeBytes   int64
	JTI            string
	JTITTLSeconds  int64
}

// VerifyProofResult — вердикт проверки.
type VerifyProofResult struct {
	verifier.Result
	// Source — inline или uri
	Source string
	// Replayed — результат проверки jti; nil, если jti не передан
	// или доказательство не прошло проверку
	Replayed *bool
}

// ProofService — оркестрация проверки доказательств.
type ProofService struct {
	fetcher    ProofFetcher
	verifier   ProofVerifier
	replay     *ReplayGuard
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewProofService создаёт сервис проверки доказательств.
// defaultTTL — срок жизни jti, если клиент его не указал.
func NewProofService(fetcher ProofFetcher, v ProofVerifier, replay *ReplayGuard, defaultTTL time.Duration, logger *slog.Logger) *ProofService {
	return &ProofService{
		fetcher:    fetcher,
		verifier:   v,
		replay:     replay,
		defaultTTL: defaultTTL,
		logger:     logger.With(slog.String("component", "proof_service")),
	}
}

// Verify получает (при необходимости) и проверяет доказательство.
// Ошибки загрузки возвращаются как *sri.FetchError, ошибки входных
// данных — ErrValidation. Отрицательный вердикт проверки ошибкой не является.
func (s *ProofService) Verify(ctx context.Context, req VerifyProofRequest) (*VerifyProofResult, error) {
	if strings.TrimSpace(req.Format) == "" {
		return nil, fmt.Errorf("%w: не указан format", ErrValidation)
	}
	hasInline := len(req.Proof) > 0
	hasURI := strings.TrimSpace(req.ProofURI) != ""
	switch {
	case hasInline && hasURI:
		return nil, fmt.Errorf("%w: укажите proof или proofUri, но не оба", ErrValidation)
	case !hasInline && !hasURI:
		return nil, fmt.Errorf("%w: не указан proof или proofUri", ErrValidation)
	case hasURI && strings.TrimSpace(req.ExpectedDigest) == "":
		return nil, fmt.Errorf("%w: для proofUri обязателен expectedDigest", ErrValidation)
	case req.JTITTLSeconds < 0:
		return nil, fmt.Errorf("%w: jtiTtlSeconds не может быть отрицательным", ErrValidation)
	}

	payload := req.Proof
	source := "inline"
	if hasURI {
		source = "uri"
		data, err := s.fetcher.Fetch(ctx, sri.Request{
			URI:            req.ProofURI,
			ExpectedDigest: req.ExpectedDigest,
			MaxSizeBytes:   req.MaxSizeBytes,
		})
		if err != nil {
			return nil, err
		}
		payload = data
	}

	format := verifier.ParseFormat(req.Format)
	res := &VerifyProofResult{
		Result: s.verifier.Verify(ctx, format, payload),
		Source: source,
	}

	if !res.OK || req.JTI == "" {
		return res, nil
	}

	ttl := req.JTITTLSeconds
	if ttl == 0 {
		ttl = int64(s.defaultTTL / time.Second)
	}
	replayed, err := s.replay.IsReplayed(ctx, req.JTI, ttl)
	if err != nil {
		return nil, err
	}
	res.Replayed = &replayed
	if replayed {
		// Отказ не несёт metadata и уровня гарантии успешной проверки.
		res.Result = verifier.Result{OK: false, Reason: ReasonReplayed}
	}

	s.logger.Debug("Доказательство проверено",
		slog.String("format", string(format)),
		slog.String("source", source),
		slog.Bool("ok", res.OK),
		slog.String("assurance", string(res.Assurance)),
	)
	return res, nil
}
