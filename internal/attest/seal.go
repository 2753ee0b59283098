package attest

import (
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSeal = "pushattest-enclave-v1"
	sealSaltSize = 16
)

var ErrSealedEnclave = errors.New("attest: cannot open sealed enclave")

type sealedKey struct {
	ID       string `json:"id"`
	PKCS8    []byte `json:"pkcs8"`
	Attested bool   `json:"attested"`
	Counter  uint32 `json:"counter"`
	Invalid  bool   `json:"invalid,omitempty"`
}

// Seal exports every key encrypted under secret. The layout is
// salt || nonce || ciphertext.
func (e *Enclave) Seal(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("attest: empty seal secret")
	}
	e.mu.Lock()
	keys := make([]sealedKey, 0, len(e.keys))
	for id, k := range e.keys {
		der, err := x509.MarshalPKCS8PrivateKey(k.priv)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("marshal key %s: %w", shortID(id), err)
		}
		keys = append(keys, sealedKey{ID: id, PKCS8: der, Attested: k.attested, Counter: k.counter, Invalid: k.invalid})
	}
	e.mu.Unlock()

	plaintext, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	aead, err := sealAEAD(secret, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(hkdfInfoSeal)), nil
}

// OpenEnclave restores an enclave produced by Seal.
func OpenEnclave(data, secret []byte) (*Enclave, error) {
	if len(data) < sealSaltSize+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: truncated", ErrSealedEnclave)
	}
	salt := data[:sealSaltSize]
	aead, err := sealAEAD(secret, salt)
	if err != nil {
		return nil, err
	}
	nonce := data[sealSaltSize : sealSaltSize+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, data[sealSaltSize+aead.NonceSize():], []byte(hkdfInfoSeal))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedEnclave, err)
	}
	var keys []sealedKey
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedEnclave, err)
	}
	e := NewEnclave()
	for _, k := range keys {
		parsed, err := x509.ParsePKCS8PrivateKey(k.PKCS8)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrSealedEnclave, shortID(k.ID), err)
		}
		priv, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key %s is %T", ErrSealedEnclave, shortID(k.ID), parsed)
		}
		e.keys[k.ID] = &enclaveKey{priv: priv, attested: k.Attested, counter: k.Counter, invalid: k.Invalid}
	}
	return e, nil
}

func sealAEAD(secret, salt []byte) (cipher.AEAD, error) {
	hk := hkdf.New(sha256.New, secret, salt, []byte(hkdfInfoSeal))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}
