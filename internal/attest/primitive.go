// Package attest defines the hardware attestation primitive the engine talks
// to, plus a software enclave for environments without one.
package attest

import (
	"context"
	"errors"
)

var (
	// ErrInvalidKey and ErrInvalidInput are the stale-key error codes: the key
	// is gone, corrupted or already consumed, so the caller should rotate.
	ErrInvalidKey   = errors.New("attest: invalid key")
	ErrInvalidInput = errors.New("attest: invalid input")

	ErrUnsupported = errors.New("attest: unsupported")
)

// Primitive is the platform attestation service. Key material never leaves
// it; callers only see key ids and signed blobs.
type Primitive interface {
	// Supported may flip from false to true while the platform warms up.
	Supported(ctx context.Context) bool
	GenerateKey(ctx context.Context) (string, error)
	// Attest can succeed at most once per key.
	Attest(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error)
	Assert(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error)
}

// IsStaleKey reports whether err is one of the error codes that self-heal by
// rotating the key.
func IsStaleKey(err error) bool {
	return errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrInvalidInput)
}
