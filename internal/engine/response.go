package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"pushattest/internal/domain"
)

// OutboundRequest is the wire form of a protected operation.
type OutboundRequest struct {
	Method string
	Path   string
	Body   []byte
}

type Response struct {
	Status int
	Body   []byte
}

func (r *Response) Success() bool { return r.Status >= 200 && r.Status < 300 }

var mismatchSignals = []string{
	"key mismatch",
	"key_mismatch",
	"unknown key",
	"key not found",
	"attestation required",
	"attestation_required",
}

var attestationRequiredSignals = []string{"attestation required", "attestation_required"}

// Classify maps a backend response for kind to nil (success), a
// *domain.ProofRejectedError, or a *domain.TransportError.
func Classify(kind domain.OperationKind, resp *Response) error {
	if resp.Success() {
		return nil
	}
	if resp.Status == http.StatusNotFound && domain.TreatsNotFoundAsSuccess(kind) {
		return nil
	}

	msg := ErrorMessage(resp.Body)
	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusPreconditionRequired:
		return &domain.ProofRejectedError{Status: resp.Status, Message: msg, Mismatch: containsAny(msg, mismatchSignals)}
	case resp.Status >= 400 && resp.Status < 500 && containsAny(msg, attestationRequiredSignals):
		return &domain.ProofRejectedError{Status: resp.Status, Message: msg, Mismatch: true}
	default:
		return &domain.TransportError{Status: resp.Status, Body: msg}
	}
}

// ErrorMessage extracts the server's error text from a JSON error object
// ({"error","message","code"}) or returns the trimmed plain body.
func ErrorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if err := json.Unmarshal(trimmed, &e); err == nil {
			parts := make([]string, 0, 3)
			for _, p := range []string{e.Code, e.Error, e.Message} {
				if p != "" {
					parts = append(parts, p)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, ": ")
			}
		}
	}
	return string(trimmed)
}

// ScanNextChallenge looks for a server-rotated challenge in a success body.
// next_challenge may be an object or a string holding either JSON or the bare
// challenge value.
func ScanNextChallenge(body []byte) (*domain.Challenge, bool) {
	var env struct {
		Next json.RawMessage `json:"next_challenge"`
	}
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &env) != nil {
		return nil, false
	}
	raw := bytes.TrimSpace(env.Next)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}

	var ch domain.Challenge
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "{") {
			if err := json.Unmarshal([]byte(s), &ch); err != nil {
				return nil, false
			}
		} else {
			ch.Value = s
		}
	} else if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, false
	}
	if ch.Value == "" {
		return nil, false
	}
	return &ch, true
}

func containsAny(s string, needles []string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
