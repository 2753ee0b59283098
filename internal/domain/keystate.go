package domain

import "time"

// Challenge is a server-issued nonce. A nil ExpiresAt never expires.
type Challenge struct {
	Value     string     `json:"challenge"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the challenge must not be reused at now.
func (c Challenge) Expired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Before(*c.ExpiresAt)
}

// DeviceKeyState is the current hardware key and its latest challenge.
// A fresh KeyID always starts with a nil LatestChallenge and Registered=false.
type DeviceKeyState struct {
	KeyID           string
	LatestChallenge *Challenge
	// Registered is set once a Register call succeeded with this key.
	Registered bool
}

// Clone returns a deep copy so callers never share the challenge pointer.
func (s DeviceKeyState) Clone() DeviceKeyState {
	out := DeviceKeyState{KeyID: s.KeyID, Registered: s.Registered}
	if s.LatestChallenge != nil {
		ch := *s.LatestChallenge
		if ch.ExpiresAt != nil {
			exp := *ch.ExpiresAt
			ch.ExpiresAt = &exp
		}
		out.LatestChallenge = &ch
	}
	return out
}

// ProofBundle is the full set of proof fields for one outbound call. It is
// never persisted.
type ProofBundle struct {
	KeyID       string
	Assertion   []byte
	ClientData  []byte
	Challenge   string
	Attestation []byte
}

func (p ProofBundle) HasAttestation() bool { return len(p.Attestation) > 0 }
