package engine

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"pushattest/internal/domain"
)

const (
	HeaderKeyID       = "X-Device-Key-Id"
	HeaderChallenge   = "X-Device-Challenge"
	HeaderAssertion   = "X-Device-Assertion"
	HeaderClientData  = "X-Device-Client-Data"
	HeaderAttestation = "X-Device-Attestation"
	HeaderBodyDigest  = "X-Device-Body-Sha256"
)

type clientData struct {
	Challenge string `json:"challenge"`
}

// EncodeClientData is the canonical client data for a challenge.
func EncodeClientData(challenge string) []byte {
	// Marshalling a single string field cannot fail.
	out, _ := json.Marshal(clientData{Challenge: challenge})
	return out
}

// DecodeClientData returns the challenge embedded in client data.
func DecodeClientData(data []byte) (string, error) {
	var cd clientData
	if err := json.Unmarshal(data, &cd); err != nil {
		return "", err
	}
	return cd.Challenge, nil
}

// ClientDataHash binds client data to the exact request body. With a nil body
// it is the plain client data hash used for attestation.
func ClientDataHash(clientData, body []byte) []byte {
	h := sha256.New()
	h.Write(clientData)
	h.Write(body)
	return h.Sum(nil)
}

func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SignRequest turns a proof into transport headers. It has no side effects.
func SignRequest(proof domain.ProofBundle, body []byte) http.Header {
	h := make(http.Header, 6)
	h.Set(HeaderKeyID, proof.KeyID)
	h.Set(HeaderChallenge, proof.Challenge)
	h.Set(HeaderAssertion, base64.StdEncoding.EncodeToString(proof.Assertion))
	h.Set(HeaderClientData, base64.StdEncoding.EncodeToString(proof.ClientData))
	if proof.HasAttestation() {
		h.Set(HeaderAttestation, base64.StdEncoding.EncodeToString(proof.Attestation))
	}
	if len(body) > 0 {
		h.Set(HeaderBodyDigest, BodyDigest(body))
	}
	return h
}
