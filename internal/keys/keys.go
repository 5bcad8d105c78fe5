// Пакет keys — провайдер ключа подписи документов списков статусов.
//
// Ключ загружается (PEM или PKCS#12) или генерируется один раз при старте
// и далее разделяется только на чтение. Публичная часть публикуется как JWKS.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
	"software.sslmate.com/src/go-pkcs12"
)

// ErrUnsupportedKey — ключ не является ECDSA P-256.
var ErrUnsupportedKey = errors.New("поддерживается только ключ ECDSA P-256")

// Provider — источник ключа подписи.
type Provider interface {
	// KeyID возвращает идентификатор ключа (kid).
	KeyID() string
	// Sign подписывает claims (ES256) и возвращает компактный JWS.
	Sign(claims jwt.Claims, typ string) (string, error)
	// PublicJWKS возвращает JWKS с публичной частью ключа.
	PublicJWKS() json.RawMessage
}

// ECProvider — Provider на ключе ECDSA P-256.
type ECProvider struct {
	key  *ecdsa.PrivateKey
	kid  string
	jwks json.RawMessage
}

// Generate создаёт эфемерный ключ. Используется только в development.
func Generate(kid string) (*ECProvider, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("генерация ключа подписи: %w", err)
	}
	return newECProvider(key, kid)
}

// Load читает ключ из файла: .p12/.pfx — PKCS#12 с паролем,
// иначе PEM (PKCS#8 или SEC 1).
func Load(path, password, kid string) (*ECProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение ключа подписи %s: %w", path, err)
	}

	var raw any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		raw, _, err = pkcs12.Decode(data, password)
		if err != nil {
			return nil, fmt.Errorf("разбор PKCS#12 %s: %w", path, err)
		}
	default:
		raw, err = parsePEM(data)
		if err != nil {
			return nil, fmt.Errorf("разбор PEM %s: %w", path, err)
		}
	}

	key, ok := raw.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: получен %T", ErrUnsupportedKey, raw)
	}
	return newECProvider(key, kid)
}

func parsePEM(data []byte) (any, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("PEM-блок не найден")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func newECProvider(key *ecdsa.PrivateKey, kid string) (*ECProvider, error) {
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: кривая %s", ErrUnsupportedKey, key.Curve.Params().Name)
	}

	if kid == "" {
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("сериализация публичного ключа: %w", err)
		}
		sum := sha256.Sum256(der)
		kid = hex.EncodeToString(sum[:8])
	}

	jwk, err := jwkset.NewJWKFromKey(&key.PublicKey, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			ALG: jwkset.AlgES256,
			KID: kid,
			USE: jwkset.UseSig,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("построение JWK: %w", err)
	}

	ctx := context.Background()
	store := jwkset.NewMemoryStorage()
	if err := store.KeyWrite(ctx, jwk); err != nil {
		return nil, fmt.Errorf("запись JWK: %w", err)
	}
	jwks, err := store.JSONPublic(ctx)
	if err != nil {
		return nil, fmt.Errorf("сериализация JWKS: %w", err)
	}

	return &ECProvider{key: key, kid: kid, jwks: jwks}, nil
}

// KeyID возвращает идентификатор ключа.
func (p *ECProvider) KeyID() string {
	return p.kid
}

// Sign подписывает claims алгоритмом ES256.
func (p *ECProvider) Sign(claims jwt.Claims, typ string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = p.kid
	if typ != "" {
		token.Header["typ"] = typ
	}
	s, err := token.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("подпись документа: %w", err)
	}
	return s, nil
}

// PublicJWKS возвращает JWKS публичного ключа.
func (p *ECProvider) PublicJWKS() json.RawMessage {
	return p.jwks
}
