package backendsim

import (
	"encoding/base64"
	"net/http"

	"pushattest/internal/attest"
	"pushattest/internal/engine"
)

const (
	msgMissingProof        = "missing device proof"
	msgInvalidChallenge    = "invalid or expired challenge"
	msgClientDataMismatch  = "client data does not match challenge"
	msgBodyDigestMismatch  = "body digest mismatch"
	msgInvalidAttestation  = "invalid attestation"
	msgInvalidAssertion    = "invalid assertion"
	msgAttestationRequired = "attestation required"
	msgKeyMismatch         = "key mismatch for device"
)

// proofError is a rejection the handlers turn into an error response.
type proofError struct {
	status  int
	message string
}

type verifiedProof struct {
	accountID string
	keyID     string
	attested  bool
}

// verifyProof checks the proof headers of r against body. requireAttestation
// selects the answer for an unknown key: 428 on registration, 401 elsewhere.
func (b *Backend) verifyProof(r *http.Request, body []byte, requireAttestation bool) (*verifiedProof, *proofError) {
	keyID := r.Header.Get(engine.HeaderKeyID)
	challenge := r.Header.Get(engine.HeaderChallenge)
	assertion, errA := base64.StdEncoding.DecodeString(r.Header.Get(engine.HeaderAssertion))
	clientData, errC := base64.StdEncoding.DecodeString(r.Header.Get(engine.HeaderClientData))
	if keyID == "" || challenge == "" || errA != nil || errC != nil || len(assertion) == 0 || len(clientData) == 0 {
		return nil, &proofError{http.StatusUnauthorized, msgMissingProof}
	}

	if cd, err := engine.DecodeClientData(clientData); err != nil || cd != challenge {
		return nil, &proofError{http.StatusUnauthorized, msgClientDataMismatch}
	}
	if len(body) > 0 && r.Header.Get(engine.HeaderBodyDigest) != engine.BodyDigest(body) {
		return nil, &proofError{http.StatusUnauthorized, msgBodyDigestMismatch}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	issued, ok := b.challenges[challenge]
	if !ok || !b.now().Before(issued.expiresAt) {
		return nil, &proofError{http.StatusUnauthorized, msgInvalidChallenge}
	}
	if sub, ok := subjectFrom(r.Context()); ok && sub != issued.accountID {
		return nil, &proofError{http.StatusUnauthorized, msgInvalidChallenge}
	}

	var (
		key      *deviceKey
		attested bool
	)
	if raw := r.Header.Get(engine.HeaderAttestation); raw != "" {
		att, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, &proofError{http.StatusUnauthorized, msgInvalidAttestation}
		}
		pub, err := attest.VerifyAttestation(att, keyID, engine.ClientDataHash(clientData, nil))
		if err != nil {
			return nil, &proofError{http.StatusUnauthorized, msgInvalidAttestation}
		}
		key = &deviceKey{accountID: issued.accountID, pub: pub}
		attested = true
	} else {
		key = b.keys[keyID]
		if key == nil || key.accountID != issued.accountID {
			if requireAttestation {
				return nil, &proofError{http.StatusPreconditionRequired, msgAttestationRequired}
			}
			return nil, &proofError{http.StatusUnauthorized, msgKeyMismatch}
		}
	}

	counter, err := attest.VerifyAssertion(assertion, key.pub, engine.ClientDataHash(clientData, body), key.counter)
	if err != nil {
		return nil, &proofError{http.StatusUnauthorized, msgInvalidAssertion}
	}

	acct := b.accountLocked(issued.accountID)
	if !attested && acct.keyID != keyID {
		return nil, &proofError{http.StatusUnauthorized, msgKeyMismatch}
	}
	// Only an accepted proof advances the counter.
	key.counter = counter
	if attested {
		if acct.keyID != "" && acct.keyID != keyID {
			delete(b.keys, acct.keyID)
		}
		b.keys[keyID] = key
		acct.keyID = keyID
		b.stats.Attestations.Inc()
	}
	return &verifiedProof{accountID: issued.accountID, keyID: keyID, attested: attested}, nil
}
