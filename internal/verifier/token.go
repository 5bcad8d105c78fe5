package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// signatureAlgorithms — алгоритмы, допустимые при проверке подписи по JWKS.
var signatureAlgorithms = []string{
	"ES256", "ES384", "ES512",
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"EdDSA",
}

// KeySource — источник ключей проверки подписи (keyfunc над JWKS).
type KeySource interface {
	KeyfuncCtx(ctx context.Context) jwt.Keyfunc
}

// TokenVerifier проверяет VC_JWT и JWS. Без источника ключей проверка
// только структурная: три сегмента и заявленный алгоритм, отличный от none.
// С источником ключей дополнительно проверяется подпись.
//
// Разбирается только защищённый заголовок. Полезная нагрузка JWS
// непрозрачна: это может быть не JSON или пустая строка (detached).
type TokenVerifier struct {
	keys   KeySource
	logger *slog.Logger
}

// NewTokenVerifier создаёт проверку токенов. keys может быть nil.
func NewTokenVerifier(keys KeySource, logger *slog.Logger) *TokenVerifier {
	return &TokenVerifier{keys: keys, logger: logger.With(slog.String("component", "token_verifier"))}
}

func (*TokenVerifier) sealed() {}

// Verify проверяет компактный JWS.
func (t *TokenVerifier) Verify(ctx context.Context, payload []byte) Result {
	raw := strings.TrimSpace(string(payload))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" {
		return fail(ReasonMalformedJWT)
	}
	header, err := decodeHeader(parts[0])
	if err != nil {
		return fail(ReasonMalformedJWT)
	}

	alg, _ := header["alg"].(string)
	if alg == "" || strings.EqualFold(alg, "none") {
		return fail(ReasonInvalidAlgorithm)
	}
	typ, _ := header["typ"].(string)

	meta := map[string]any{
		"alg":      alg,
		"typ":      typ,
		"verified": VerifiedStructureOnly,
	}
	if kid, ok := header["kid"].(string); ok && kid != "" {
		meta["kid"] = kid
	}

	if t.keys == nil {
		return Result{OK: true, Metadata: meta, Assurance: AssuranceStructural}
	}

	if err := t.verifySignature(ctx, header, parts); err != nil {
		t.logger.Debug("Подпись токена не прошла проверку",
			slog.String("alg", alg),
			slog.String("error", err.Error()),
		)
		return fail(ReasonInvalidSignature)
	}
	meta["verified"] = VerifiedSignature
	return Result{OK: true, Metadata: meta, Assurance: AssuranceCryptographic}
}

// decodeHeader декодирует base64url-сегмент заголовка в JSON-объект.
func decodeHeader(seg string) (map[string]any, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, errors.New("заголовок не является JSON-объектом")
	}
	var header map[string]any
	if err := json.Unmarshal(b, &header); err != nil {
		return nil, err
	}
	return header, nil
}

// verifySignature проверяет подпись над "header.payload" ключом из JWKS.
// Если полезная нагрузка — JSON-объект, дополнительно проверяются exp/nbf/iat.
func (t *TokenVerifier) verifySignature(ctx context.Context, header map[string]any, parts []string) error {
	alg, _ := header["alg"].(string)
	if !slices.Contains(signatureAlgorithms, alg) {
		return fmt.Errorf("алгоритм %q не допускается", alg)
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return fmt.Errorf("алгоритм %q не поддерживается", alg)
	}
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[2], "="))
	if err != nil {
		return fmt.Errorf("подпись: %w", err)
	}

	key, err := t.keys.KeyfuncCtx(ctx)(&jwt.Token{Header: header, Method: method})
	if err != nil {
		return fmt.Errorf("ключ: %w", err)
	}
	if err := method.Verify(parts[0]+"."+parts[1], sig, key); err != nil {
		return err
	}

	claims, ok := decodeClaims(parts[1])
	if !ok {
		return nil
	}
	return jwt.NewValidator().Validate(claims)
}

// decodeClaims возвращает claims, если полезная нагрузка — JSON-объект.
func decodeClaims(seg string) (jwt.MapClaims, bool) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return nil, false
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, false
	}
	var claims jwt.MapClaims
	if err := json.Unmarshal(b, &claims); err != nil {
		return nil, false
	}
	return claims, true
}
