package backendsim

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"pushattest/internal/domain"
	obsmw "pushattest/internal/observability/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const maxBody = 1 << 20

type challengeRequest struct {
	AccountID        string `json:"account_id"`
	DeviceToken      string `json:"device_token"`
	ForceKeyRotation bool   `json:"force_key_rotation"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type okResponse struct {
	Status        string             `json:"status"`
	NextChallenge *challengeResponse `json:"next_challenge,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Router exposes the backend over HTTP.
func (b *Backend) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(obsmw.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(pr chi.Router) {
		if b.cfg.JWTSecret != "" {
			pr.Use(b.requireBearer)
		}
		pr.Post("/challenge", b.handleChallenge)
		pr.Post("/register", b.protected(true, b.applyRegister))
		pr.Post("/unregister", b.protected(false, b.applyUnregister))
		pr.Put("/preferences", b.protected(false, b.applyPreferences))
		pr.Put("/relationships", b.protected(false, b.applyRelationships))
		pr.Put("/subscriptions", b.protected(false, b.applySyncSubscriptions))
		pr.Post("/subscriptions", b.protected(false, b.applyUpsertSubscription))
		pr.Delete("/subscriptions/{subjectID}", b.protected(false, b.applyRemoveSubscription))
	})
	return r
}

func (b *Backend) handleChallenge(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	var req challengeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid challenge request")
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if sub, ok := subjectFrom(r.Context()); ok {
		if accountID != "" && accountID != sub {
			writeError(w, http.StatusForbidden, "account does not match token")
			return
		}
		accountID = sub
	}
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "missing account_id")
		return
	}
	ch := b.IssueChallenge(accountID)
	b.log.Info("challenge issued", "account_id", accountID, "force_key_rotation", req.ForceKeyRotation, "request_id", reqID)
	writeJSON(w, http.StatusOK, toChallengeResponse(ch))
}

// applyFunc mutates the account for a verified request and returns the
// success status, or a proofError-shaped failure.
type applyFunc func(r *http.Request, acct *account, body []byte) (int, *proofError)

func (b *Backend) protected(registration bool, apply applyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := obsmw.RequestIDFromContext(r.Context())
		route := chi.RouteContext(r.Context()).RoutePattern()
		if f, ok := b.faults.take(route); ok {
			b.stats.Rejected.Inc()
			b.log.Warn("injected rejection", "path", route, "status", f.status, "request_id", reqID)
			writeError(w, f.status, f.message)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		proof, perr := b.verifyProof(r, body, registration)
		if perr != nil {
			b.stats.Rejected.Inc()
			b.log.Warn("proof rejected", "path", route, "status", perr.status, "reason", perr.message, "request_id", reqID)
			writeError(w, perr.status, perr.message)
			return
		}

		b.mu.Lock()
		status, aerr := apply(r, b.accountLocked(proof.accountID), body)
		var next domain.Challenge
		if aerr == nil {
			next = b.issueLocked(proof.accountID)
		}
		b.mu.Unlock()
		if aerr != nil {
			writeError(w, aerr.status, aerr.message)
			return
		}

		b.stats.Accepted.Inc()
		b.log.Info("protected request accepted", "path", route, "account_id", proof.accountID, "attested", proof.attested, "request_id", reqID)
		resp := toChallengeResponse(next)
		writeJSON(w, status, okResponse{Status: "ok", NextChallenge: &resp})
	}
}

func (b *Backend) applyRegister(r *http.Request, acct *account, body []byte) (int, *proofError) {
	var req domain.Register
	if err := json.Unmarshal(body, &req); err != nil || req.DeviceToken == "" {
		return 0, &proofError{http.StatusBadRequest, "invalid register payload"}
	}
	acct.registered = true
	acct.deviceToken = req.DeviceToken
	return http.StatusCreated, nil
}

func (b *Backend) applyUnregister(r *http.Request, acct *account, body []byte) (int, *proofError) {
	var req domain.Unregister
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, &proofError{http.StatusBadRequest, "invalid unregister payload"}
	}
	if !acct.registered || (req.DeviceToken != "" && req.DeviceToken != acct.deviceToken) {
		return 0, &proofError{http.StatusNotFound, "device not registered"}
	}
	acct.registered = false
	acct.deviceToken = ""
	return http.StatusOK, nil
}

func (b *Backend) applyPreferences(r *http.Request, acct *account, body []byte) (int, *proofError) {
	var req domain.UpdatePreferences
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, &proofError{http.StatusBadRequest, "invalid preferences payload"}
	}
	for k, v := range req.Preferences {
		acct.preferences[k] = v
	}
	return http.StatusOK, nil
}

func (b *Backend) applyRelationships(r *http.Request, acct *account, body []byte) (int, *proofError) {
	var req domain.SyncRelationships
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, &proofError{http.StatusBadRequest, "invalid relationships payload"}
	}
	acct.muted = append([]string(nil), req.Muted...)
	acct.blocked = append([]string(nil), req.Blocked...)
	return http.StatusOK, nil
}

func (b *Backend) applySyncSubscriptions(r *http.Request, acct *account, body []byte) (int, *proofError) {
	var req domain.SyncSubscriptions
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, &proofError{http.StatusBadRequest, "invalid subscriptions payload"}
	}
	clear(acct.subscriptions)
	for _, s := range req.Subscriptions {
		acct.subscriptions[s.SubjectID] = s.Flags
	}
	return http.StatusOK, nil
}

func (b *Backend) applyUpsertSubscription(r *http.Request, acct *account, body []byte) (int, *proofError) {
	var req domain.UpsertSubscription
	if err := json.Unmarshal(body, &req); err != nil || req.SubjectID == "" {
		return 0, &proofError{http.StatusBadRequest, "invalid subscription payload"}
	}
	_, existed := acct.subscriptions[req.SubjectID]
	acct.subscriptions[req.SubjectID] = req.Flags
	if existed {
		return http.StatusOK, nil
	}
	return http.StatusCreated, nil
}

func (b *Backend) applyRemoveSubscription(r *http.Request, acct *account, body []byte) (int, *proofError) {
	id := chi.URLParam(r, "subjectID")
	if _, ok := acct.subscriptions[id]; !ok {
		return 0, &proofError{http.StatusNotFound, "subscription not found"}
	}
	delete(acct.subscriptions, id)
	return http.StatusOK, nil
}

func toChallengeResponse(ch domain.Challenge) challengeResponse {
	out := challengeResponse{Challenge: ch.Value}
	if ch.ExpiresAt != nil {
		out.ExpiresAt = ch.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
