package attest

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func hashOf(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func TestEnclaveAttestOncePerKey(t *testing.T) {
	ctx := context.Background()
	e := NewEnclave()

	keyID, err := e.GenerateKey(ctx)
	require.NoError(t, err)

	att, err := e.Attest(ctx, keyID, hashOf("cd"))
	require.NoError(t, err)

	pub, err := VerifyAttestation(att, keyID, hashOf("cd"))
	require.NoError(t, err)
	require.NotNil(t, pub)

	_, err = e.Attest(ctx, keyID, hashOf("cd"))
	require.ErrorIs(t, err, ErrInvalidKey)
	require.True(t, IsStaleKey(err))
}

func TestEnclaveAssertionCounterIncreases(t *testing.T) {
	ctx := context.Background()
	e := NewEnclave()
	keyID, err := e.GenerateKey(ctx)
	require.NoError(t, err)
	att, err := e.Attest(ctx, keyID, hashOf("a"))
	require.NoError(t, err)
	pub, err := VerifyAttestation(att, keyID, hashOf("a"))
	require.NoError(t, err)

	var last uint32
	for i := 0; i < 3; i++ {
		as, err := e.Assert(ctx, keyID, hashOf("payload"))
		require.NoError(t, err)
		counter, err := VerifyAssertion(as, pub, hashOf("payload"), last)
		require.NoError(t, err)
		require.Greater(t, counter, last)
		last = counter
	}

	replay, err := e.Assert(ctx, keyID, hashOf("payload"))
	require.NoError(t, err)
	_, err = VerifyAssertion(replay, pub, hashOf("other"), last)
	require.ErrorIs(t, err, ErrVerification)
}

func TestEnclaveStaleKeyErrors(t *testing.T) {
	ctx := context.Background()
	e := NewEnclave()

	_, err := e.Assert(ctx, "missing", hashOf("x"))
	require.ErrorIs(t, err, ErrInvalidKey)

	keyID, err := e.GenerateKey(ctx)
	require.NoError(t, err)

	_, err = e.Assert(ctx, keyID, []byte("short"))
	require.ErrorIs(t, err, ErrInvalidInput)

	e.Invalidate(keyID)
	_, err = e.Assert(ctx, keyID, hashOf("x"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestEnclaveUnsupported(t *testing.T) {
	ctx := context.Background()
	e := NewEnclave()
	e.SetSupported(false)
	require.False(t, e.Supported(ctx))
	_, err := e.GenerateKey(ctx)
	require.ErrorIs(t, err, ErrUnsupported)
	require.False(t, IsStaleKey(err))
}

func TestSealRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := NewEnclave()
	keyID, err := e.GenerateKey(ctx)
	require.NoError(t, err)
	att, err := e.Attest(ctx, keyID, hashOf("c"))
	require.NoError(t, err)
	pub, err := VerifyAttestation(att, keyID, hashOf("c"))
	require.NoError(t, err)
	first, err := e.Assert(ctx, keyID, hashOf("c"))
	require.NoError(t, err)
	firstCounter, err := VerifyAssertion(first, pub, hashOf("c"), 0)
	require.NoError(t, err)

	sealed, err := e.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = OpenEnclave(sealed, []byte("wrong"))
	require.True(t, errors.Is(err, ErrSealedEnclave))

	restored, err := OpenEnclave(sealed, []byte("secret"))
	require.NoError(t, err)
	require.Equal(t, 1, restored.Keys())

	_, err = restored.Attest(ctx, keyID, hashOf("c"))
	require.ErrorIs(t, err, ErrInvalidKey, "attested flag must survive sealing")

	next, err := restored.Assert(ctx, keyID, hashOf("c"))
	require.NoError(t, err)
	_, err = VerifyAssertion(next, pub, hashOf("c"), firstCounter)
	require.NoError(t, err)
}
