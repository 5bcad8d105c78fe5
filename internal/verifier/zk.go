package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/backend/witness"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/iden3/go-rapidsnark/types"
	rapidsnark "github.com/iden3/go-rapidsnark/verifier"
)

// Поддерживаемые системы доказательств.
const (
	SystemGroth16 = "groth16"
	SystemPLONK   = "plonk"
)

// zkPayload — конверт ZK-доказательства. Все четыре поля обязательны.
//
// Groth16: verificationKey и proof — JSON в формате snarkjs.
// PLONK: verificationKey и proof — base64 бинарной сериализации gnark (BN254).
type zkPayload struct {
	System          json.RawMessage `json:"system"`
	VerificationKey json.RawMessage `json:"verificationKey"`
	PublicSignals   json.RawMessage `json:"publicSignals"`
	Proof           json.RawMessage `json:"proof"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// ZKVerifier проверяет Groth16 (rapidsnark) и PLONK (gnark, BN254).
// Разобранные ключи PLONK кэшируются по SHA-256 сериализации.
type ZKVerifier struct {
	plonkKeys *expirable.LRU[string, plonk.VerifyingKey]
	logger    *slog.Logger
}

// NewZKVerifier создаёт проверку ZK-доказательств с кэшем ключей
// размера cacheSize и временем жизни cacheTTL.
func NewZKVerifier(cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *ZKVerifier {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	return &ZKVerifier{
		plonkKeys: expirable.NewLRU[string, plonk.VerifyingKey](cacheSize, nil, cacheTTL),
		logger:    logger.With(slog.String("component", "zk_verifier")),
	}
}

func (*ZKVerifier) sealed() {}

// Verify разбирает конверт и делегирует проверку системе доказательств.
// Неподдерживаемая система отклоняется до любой криптографии.
func (z *ZKVerifier) Verify(ctx context.Context, payload []byte) Result {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fail(ReasonInvalidZKPayload)
	}
	var p zkPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return fail(ReasonInvalidZKPayload)
	}
	if !present(p.System) || !present(p.VerificationKey) || !present(p.PublicSignals) || !present(p.Proof) {
		return fail(ReasonZKMissingFields)
	}

	var system string
	if err := json.Unmarshal(p.System, &system); err != nil {
		return fail(ReasonUnsupportedZKSystem)
	}
	system = strings.ToLower(strings.TrimSpace(system))
	if system != SystemGroth16 && system != SystemPLONK {
		return fail(ReasonUnsupportedZKSystem)
	}

	signals, err := parseSignals(p.PublicSignals)
	if err != nil {
		z.logger.Debug("Некорректные publicSignals", slog.String("error", err.Error()))
		return fail(ReasonInvalidZKPayload)
	}

	err = guard(func() error {
		if system == SystemGroth16 {
			return verifyGroth16(p.VerificationKey, signals, p.Proof)
		}
		return z.verifyPLONK(ctx, p.VerificationKey, signals, p.Proof)
	})
	if err != nil {
		z.logger.Debug("ZK-доказательство не прошло проверку",
			slog.String("system", system),
			slog.String("error", err.Error()),
		)
		return fail(ReasonZKVerificationFailed)
	}

	return Result{
		OK: true,
		Metadata: map[string]any{
			"system":        system,
			"publicSignals": len(signals),
			"verified":      VerifiedCryptographic,
		},
		Assurance: AssuranceCryptographic,
	}
}

// guard превращает панику разбора внутри библиотек в обычную ошибку проверки.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника при проверке: %v", r)
		}
	}()
	return fn()
}

// parseSignals принимает массив десятичных чисел в строках или как JSON-числа.
func parseSignals(raw json.RawMessage) ([]*big.Int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("publicSignals должен быть массивом: %w", err)
	}
	out := make([]*big.Int, 0, len(items))
	for i, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			var n json.Number
			if err := json.Unmarshal(item, &n); err != nil {
				return nil, fmt.Errorf("publicSignals[%d]: ожидается число", i)
			}
			s = n.String()
		}
		v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("publicSignals[%d]: некорректное значение %q", i, s)
		}
		out = append(out, v)
	}
	return out, nil
}

// verifyGroth16 — snarkjs-совместимая проверка pairing через rapidsnark.
func verifyGroth16(vk json.RawMessage, signals []*big.Int, proofRaw json.RawMessage) error {
	var proof types.ProofData
	if err := json.Unmarshal(proofRaw, &proof); err != nil {
		return fmt.Errorf("разбор proof: %w", err)
	}
	if len(proof.A) == 0 || len(proof.B) == 0 || len(proof.C) == 0 {
		return errors.New("в proof нет pi_a, pi_b или pi_c")
	}
	pub := make([]string, len(signals))
	for i, s := range signals {
		pub[i] = s.String()
	}
	return rapidsnark.VerifyGroth16(types.ZKProof{Proof: &proof, PubSignals: pub}, vk)
}

// decodeBinary принимает JSON-строку с base64 (std или url, с padding или без).
func decodeBinary(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.New("ожидается base64-строка")
	}
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("некорректный base64")
}

func (z *ZKVerifier) plonkKey(raw []byte) (plonk.VerifyingKey, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if vk, ok := z.plonkKeys.Get(key); ok {
		return vk, nil
	}
	vk := plonk.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("разбор verificationKey: %w", err)
	}
	z.plonkKeys.Add(key, vk)
	return vk, nil
}

// verifyPLONK — проверка KZG-доказательства PLONK на BN254 через gnark.
func (z *ZKVerifier) verifyPLONK(_ context.Context, vkRaw json.RawMessage, signals []*big.Int, proofRaw json.RawMessage) error {
	vkBytes, err := decodeBinary(vkRaw)
	if err != nil {
		return fmt.Errorf("verificationKey: %w", err)
	}
	proofBytes, err := decodeBinary(proofRaw)
	if err != nil {
		return fmt.Errorf("proof: %w", err)
	}

	vk, err := z.plonkKey(vkBytes)
	if err != nil {
		return err
	}
	proof := plonk.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("разбор proof: %w", err)
	}

	pub, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return err
	}
	values := make(chan any, len(signals))
	for _, s := range signals {
		values <- s
	}
	close(values)
	if err := pub.Fill(len(signals), 0, values); err != nil {
		return fmt.Errorf("публичный witness: %w", err)
	}

	return plonk.Verify(proof, vk, pub)
}
