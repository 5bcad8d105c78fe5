package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/scs"
	"github.com/consensys/gnark/test/unsafekzg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squareCircuit доказывает знание X такого, что X*X == Y.
type squareCircuit struct {
	X frontend.Variable
	Y frontend.Variable `gnark:",public"`
}

func (c *squareCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(api.Mul(c.X, c.X), c.Y)
	return nil
}

// plonkFixture собирает схему, ключи и доказательство для X=3, Y=9.
func plonkFixture(t *testing.T) (vk, proof string) {
	t.Helper()
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), scs.NewBuilder, &squareCircuit{})
	require.NoError(t, err)

	srs, srsLagrange, err := unsafekzg.NewSRS(ccs)
	require.NoError(t, err)
	pk, vkey, err := plonk.Setup(ccs, srs, srsLagrange)
	require.NoError(t, err)

	w, err := frontend.NewWitness(&squareCircuit{X: 3, Y: 9}, ecc.BN254.ScalarField())
	require.NoError(t, err)
	p, err := plonk.Prove(ccs, pk, w)
	require.NoError(t, err)

	var vkBuf, proofBuf bytes.Buffer
	_, err = vkey.WriteTo(&vkBuf)
	require.NoError(t, err)
	_, err = p.WriteTo(&proofBuf)
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(vkBuf.Bytes()), base64.StdEncoding.EncodeToString(proofBuf.Bytes())
}

func TestZK_PLONK(t *testing.T) {
	if testing.Short() {
		t.Skip("сборка схемы PLONK пропущена в -short")
	}
	vk, proof := plonkFixture(t)
	zk := NewZKVerifier(4, 0, testLogger())
	v := New(NewTokenVerifier(nil, testLogger()), zk, testLogger())
	ctx := context.Background()

	res := v.Verify(ctx, FormatZKProof, zkJSON(t, map[string]any{
		"system":          "PLONK",
		"verificationKey": vk,
		"publicSignals":   []string{"9"},
		"proof":           proof,
	}))
	require.True(t, res.OK, "%+v", res)
	assert.Equal(t, "plonk", res.Metadata["system"])
	assert.Equal(t, 1, res.Metadata["publicSignals"])
	assert.Equal(t, VerifiedCryptographic, res.Metadata["verified"])
	assert.True(t, res.Trusted())
	assert.Equal(t, 1, zk.plonkKeys.Len(), "ключ закэширован")

	// Ложное публичное значение — обычный отказ, не ошибка.
	res = v.Verify(ctx, FormatZKProof, zkJSON(t, map[string]any{
		"system":          "plonk",
		"verificationKey": vk,
		"publicSignals":   []int{10},
		"proof":           proof,
	}))
	assert.False(t, res.OK)
	assert.Equal(t, ReasonZKVerificationFailed, res.Reason)
	assert.Equal(t, 1, zk.plonkKeys.Len(), "повторный ключ берётся из кэша")

	res = v.Verify(ctx, FormatZKProof, zkJSON(t, map[string]any{
		"system":          "plonk",
		"verificationKey": "not base64 !",
		"publicSignals":   []string{"9"},
		"proof":           proof,
	}))
	assert.Equal(t, ReasonZKVerificationFailed, res.Reason)
	assert.Nil(t, res.Metadata)

	res = v.Verify(ctx, FormatZKProof, zkJSON(t, map[string]any{
		"system":          "plonk",
		"verificationKey": base64.StdEncoding.EncodeToString([]byte("garbage verification key")),
		"publicSignals":   []string{"9"},
		"proof":           proof,
	}))
	assert.False(t, res.OK)
	assert.Equal(t, ReasonZKVerificationFailed, res.Reason)
	assert.Nil(t, res.Metadata, "ошибка разбора ключа только в логе")
}
