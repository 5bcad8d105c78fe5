// Пакет digest — нормализация дайджестов между кодировками.
//
// Поддерживаемые формы SHA-256: hex (любой регистр), SRI ("sha256-<base64>"),
// base64url / base64 (с padding и без), multibase-строка.
// Сравнение выполняется по байтам, а не по строкам.
package digest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
)

// Size — длина SHA-256 в байтах.
const Size = sha256.Size

// ErrInvalidDigest — строку не удалось распознать как SHA-256.
var ErrInvalidDigest = errors.New("некорректный дайджест")

// Decode возвращает сырые байты дайджеста из любой поддерживаемой формы.
func Decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: пустая строка", ErrInvalidDigest)
	}

	if rest, ok := strings.CutPrefix(s, "sha256-"); ok {
		return checkLen(base64.StdEncoding.DecodeString(rest))
	}

	if len(s) == hex.EncodedLen(Size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}

	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == Size {
			return b, nil
		}
	}

	if _, b, err := multibase.Decode(s); err == nil && len(b) == Size {
		return b, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
}

func checkLen(b []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if len(b) != Size {
		return nil, fmt.Errorf("%w: длина %d байт, ожидается %d", ErrInvalidDigest, len(b), Size)
	}
	return b, nil
}

// Equal сравнивает два дайджеста в произвольных кодировках.
// Нераспознанные строки никогда не равны.
func Equal(a, b string) bool {
	da, err := Decode(a)
	if err != nil {
		return false
	}
	db, err := Decode(b)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(da, db) == 1
}

// EqualBytes сравнивает вычисленный дайджест с ожидаемой строкой.
func EqualBytes(sum []byte, expected string) bool {
	want, err := Decode(expected)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(sum, want) == 1
}

// HexToBase64URL конвертирует hex-дайджест в base64url без padding.
func HexToBase64URL(h string) (string, error) {
	b, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Base64URLToHex конвертирует base64url (с padding или без) в hex нижнего регистра.
func Base64URLToHex(s string) (string, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return hex.EncodeToString(b), nil
}

// SHA256Hex возвращает hex SHA-256 от data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
