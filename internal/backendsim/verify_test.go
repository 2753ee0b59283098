package backendsim

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"pushattest/internal/attest"
	"pushattest/internal/domain"
	"pushattest/internal/engine"

	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, b *Backend, e *attest.Enclave, keyID string, withAttestation bool, body []byte) *http.Request {
	t.Helper()
	ctx := context.Background()
	ch := b.IssueChallenge("acct-1")
	cd := engine.EncodeClientData(ch.Value)
	proof := domain.ProofBundle{KeyID: keyID, Challenge: ch.Value, ClientData: cd}
	if withAttestation {
		att, err := e.Attest(ctx, keyID, engine.ClientDataHash(cd, nil))
		require.NoError(t, err)
		proof.Attestation = att
	}
	as, err := e.Assert(ctx, keyID, engine.ClientDataHash(cd, body))
	require.NoError(t, err)
	proof.Assertion = as

	r := httptest.NewRequest(http.MethodPut, "/preferences", bytes.NewReader(body))
	r.Header = engine.SignRequest(proof, body)
	return r
}

func TestRejectedProofKeepsAssertionCounter(t *testing.T) {
	b := New(Config{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})
	e := attest.NewEnclave()
	keyID, err := e.GenerateKey(context.Background())
	require.NoError(t, err)

	body := []byte(`{"preferences":{"likes":true}}`)
	proof, perr := b.verifyProof(signedRequest(t, b, e, keyID, true, body), body, false)
	require.Nil(t, perr)
	require.True(t, proof.attested)

	b.mu.Lock()
	before := b.keys[keyID].counter
	b.accounts["acct-1"].keyID = "replacement-key"
	b.mu.Unlock()

	_, perr = b.verifyProof(signedRequest(t, b, e, keyID, false, body), body, false)
	require.NotNil(t, perr)
	require.Equal(t, http.StatusUnauthorized, perr.status)
	require.Equal(t, msgKeyMismatch, perr.message)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Equal(t, before, b.keys[keyID].counter)
}
