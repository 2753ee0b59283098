package attest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FormatSoftware tags attestation objects produced by Enclave.
const FormatSoftware = "soft"

// AttestationObject is the CBOR payload returned by Enclave.Attest.
type AttestationObject struct {
	Format         string `cbor:"fmt"`
	KeyID          string `cbor:"keyId"`
	PublicKey      []byte `cbor:"publicKey"`
	ClientDataHash []byte `cbor:"clientDataHash"`
	Signature      []byte `cbor:"sig"`
}

// AssertionObject is the CBOR payload returned by Enclave.Assert.
type AssertionObject struct {
	Counter   uint32 `cbor:"counter"`
	Signature []byte `cbor:"sig"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type enclaveKey struct {
	priv     *ecdsa.PrivateKey
	attested bool
	counter  uint32
	invalid  bool
}

// Enclave is a software attestation primitive backed by P-256 keys held in
// memory. It follows the hardware contract: one attestation per key,
// unlimited assertions with a monotonically increasing counter.
type Enclave struct {
	mu          sync.Mutex
	keys        map[string]*enclaveKey
	unsupported bool
	rand        io.Reader
}

var _ Primitive = (*Enclave)(nil)

func NewEnclave() *Enclave {
	return &Enclave{
		keys: make(map[string]*enclaveKey),
		rand: rand.Reader,
	}
}

// SetSupported toggles what Supported reports.
func (e *Enclave) SetSupported(ok bool) {
	e.mu.Lock()
	e.unsupported = !ok
	e.mu.Unlock()
}

// Invalidate marks a key as corrupted; every later use fails with ErrInvalidKey.
func (e *Enclave) Invalidate(keyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.keys[keyID]; ok {
		k.invalid = true
	}
}

// Keys returns the number of keys held, valid or not.
func (e *Enclave) Keys() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

func (e *Enclave) Supported(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.unsupported
}

func (e *Enclave) GenerateKey(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsupported {
		return "", ErrUnsupported
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), e.rand)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	keyID := KeyIDFor(der)
	e.keys[keyID] = &enclaveKey{priv: priv}
	return keyID, nil
}

func (e *Enclave) Attest(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, err := e.usableKey(keyID, clientDataHash)
	if err != nil {
		return nil, err
	}
	if key.attested {
		return nil, fmt.Errorf("%w: key already attested", ErrInvalidKey)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	sig, err := ecdsa.SignASN1(e.rand, key.priv, attestationDigest(keyID, clientDataHash))
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}
	out, err := encMode.Marshal(AttestationObject{
		Format:         FormatSoftware,
		KeyID:          keyID,
		PublicKey:      der,
		ClientDataHash: append([]byte(nil), clientDataHash...),
		Signature:      sig,
	})
	if err != nil {
		return nil, fmt.Errorf("encode attestation: %w", err)
	}
	key.attested = true
	return out, nil
}

func (e *Enclave) Assert(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, err := e.usableKey(keyID, clientDataHash)
	if err != nil {
		return nil, err
	}
	counter := key.counter + 1
	sig, err := ecdsa.SignASN1(e.rand, key.priv, assertionDigest(counter, clientDataHash))
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}
	out, err := encMode.Marshal(AssertionObject{Counter: counter, Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("encode assertion: %w", err)
	}
	key.counter = counter
	return out, nil
}

func (e *Enclave) usableKey(keyID string, clientDataHash []byte) (*enclaveKey, error) {
	if e.unsupported {
		return nil, ErrUnsupported
	}
	if len(clientDataHash) != sha256.Size {
		return nil, fmt.Errorf("%w: client data hash must be %d bytes", ErrInvalidInput, sha256.Size)
	}
	key, ok := e.keys[keyID]
	if !ok || key.invalid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, shortID(keyID))
	}
	return key, nil
}

// KeyIDFor derives the key id from a DER-encoded public key.
func KeyIDFor(publicKeyDER []byte) string {
	sum := sha256.Sum256(publicKeyDER)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func attestationDigest(keyID string, clientDataHash []byte) []byte {
	h := sha256.New()
	h.Write([]byte(keyID))
	h.Write(clientDataHash)
	return h.Sum(nil)
}

func assertionDigest(counter uint32, clientDataHash []byte) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], counter)
	h := sha256.New()
	h.Write(buf[:])
	h.Write(clientDataHash)
	return h.Sum(nil)
}

func shortID(keyID string) string {
	if len(keyID) > 8 {
		return keyID[:8]
	}
	return keyID
}
