package attest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var ErrVerification = errors.New("attest: verification failed")

// VerifyAttestation checks a software attestation object for keyID and
// returns the attested public key.
func VerifyAttestation(raw []byte, keyID string, clientDataHash []byte) (*ecdsa.PublicKey, error) {
	var obj AttestationObject
	if err := cbor.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: decode attestation: %v", ErrVerification, err)
	}
	if obj.Format != FormatSoftware {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrVerification, obj.Format)
	}
	if obj.KeyID != keyID || KeyIDFor(obj.PublicKey) != keyID {
		return nil, fmt.Errorf("%w: key id does not match public key", ErrVerification)
	}
	if !bytes.Equal(obj.ClientDataHash, clientDataHash) {
		return nil, fmt.Errorf("%w: client data hash mismatch", ErrVerification)
	}
	parsed, err := x509.ParsePKIXPublicKey(obj.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrVerification, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, want ECDSA", ErrVerification, parsed)
	}
	if !ecdsa.VerifyASN1(pub, attestationDigest(keyID, clientDataHash), obj.Signature) {
		return nil, fmt.Errorf("%w: bad attestation signature", ErrVerification)
	}
	return pub, nil
}

// VerifyAssertion checks an assertion against the attested key and returns
// its counter, which must be greater than lastCounter.
func VerifyAssertion(raw []byte, pub *ecdsa.PublicKey, clientDataHash []byte, lastCounter uint32) (uint32, error) {
	var obj AssertionObject
	if err := cbor.Unmarshal(raw, &obj); err != nil {
		return 0, fmt.Errorf("%w: decode assertion: %v", ErrVerification, err)
	}
	if obj.Counter <= lastCounter {
		return 0, fmt.Errorf("%w: counter %d not above %d", ErrVerification, obj.Counter, lastCounter)
	}
	if !ecdsa.VerifyASN1(pub, assertionDigest(obj.Counter, clientDataHash), obj.Signature) {
		return 0, fmt.Errorf("%w: bad assertion signature", ErrVerification)
	}
	return obj.Counter, nil
}
