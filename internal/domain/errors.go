package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAttestationUnsupported means the platform cannot attest keys at all,
	// which is expected on emulators and virtualized environments.
	ErrAttestationUnsupported = errors.New("device attestation unsupported")
	ErrChallengeUnavailable   = errors.New("challenge unavailable")
	ErrRegistrationInFlight   = errors.New("device registration already in flight")
	ErrInvalidOperation       = errors.New("invalid protected operation")
)

// ProofRejectedError is a security rejection (401/428, or a 400 asking for a
// new attestation). Mismatch means the server no longer trusts the key.
type ProofRejectedError struct {
	Status   int
	Message  string
	Mismatch bool
}

func (e *ProofRejectedError) Error() string {
	if e.Mismatch {
		return fmt.Sprintf("proof rejected (status %d, key mismatch): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("proof rejected (status %d): %s", e.Status, e.Message)
}

// TransportError covers failures unrelated to proof validity. Status is zero
// when no response was received.
type TransportError struct {
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport: unexpected status %d: %s", e.Status, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when the breaker vetoed a re-attestation.
type CircuitOpenError struct {
	Kind  OperationKind
	Cause error
}

func (e *CircuitOpenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("re-attestation circuit open for %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("re-attestation circuit open for %s", e.Kind)
}

func (e *CircuitOpenError) Unwrap() error { return e.Cause }
