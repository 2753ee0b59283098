package backendsim_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pushattest/internal/attest"
	"pushattest/internal/backendsim"
	"pushattest/internal/domain"
	"pushattest/internal/engine"
	"pushattest/internal/store"
	transporthttp "pushattest/internal/transport/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const accountID = "acct-1"

type stack struct {
	backend *backendsim.Backend
	server  *httptest.Server
	client  *transporthttp.Client
	enclave *attest.Enclave
	store   *store.MemoryStore
	builder *engine.PayloadBuilder
	coord   *engine.Coordinator
}

func quiet() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

func newStack(t *testing.T, cfg backendsim.Config, token string) *stack {
	t.Helper()
	cfg.Logger = quiet()
	s := &stack{backend: backendsim.New(cfg), enclave: attest.NewEnclave(), store: store.NewMemoryStore()}
	s.server = httptest.NewServer(s.backend.Router())
	t.Cleanup(s.server.Close)

	s.client = transporthttp.NewClient(s.server.URL, transporthttp.Options{AccessToken: token, Logger: quiet()})
	s.builder = engine.NewPayloadBuilder(s.enclave, s.store, s.client, engine.BuilderOptions{Logger: quiet()})
	s.coord = engine.NewCoordinator(engine.CoordinatorConfig{
		Builder:   s.builder,
		Transport: s.client,
		Store:     s.store,
		Identity:  engine.Identity{AccountID: accountID, DeviceToken: "device-1"},
		Logger:    quiet(),
	})
	return s
}

func (s *stack) perform(t *testing.T, op domain.Operation) *engine.Result {
	t.Helper()
	res, err := s.coord.Perform(context.Background(), op)
	require.NoError(t, err)
	return res
}

func (s *stack) state(t *testing.T) *domain.DeviceKeyState {
	t.Helper()
	st, err := s.store.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestRegisterFreshInstall(t *testing.T) {
	s := newStack(t, backendsim.Config{}, "")

	res := s.perform(t, domain.Register{DeviceToken: "apns-1"})
	require.Equal(t, engine.OutcomeSucceeded, res.Outcome)
	require.Equal(t, http.StatusCreated, res.Status)

	snap, ok := s.backend.Account(accountID)
	require.True(t, ok)
	require.True(t, snap.Registered)
	require.Equal(t, "apns-1", snap.DeviceToken)

	st := s.state(t)
	require.Equal(t, snap.KeyID, st.KeyID)
	require.True(t, st.Registered)
	require.NotNil(t, st.LatestChallenge, "next_challenge is stored")
	require.EqualValues(t, 1, s.backend.Stats().Attestations.Load())
	require.EqualValues(t, 2, s.backend.Stats().Challenges.Load())
}

func TestOperationLifecycleAttestsOnce(t *testing.T) {
	s := newStack(t, backendsim.Config{}, "")

	s.perform(t, domain.Register{DeviceToken: "apns-1"})
	s.perform(t, domain.UpdatePreferences{Preferences: map[string]bool{"likes": true, "reposts": false}})
	s.perform(t, domain.SyncRelationships{Muted: []string{"m1"}, Blocked: []string{"b1", "b2"}})
	s.perform(t, domain.SyncSubscriptions{Subscriptions: []domain.Subscription{{SubjectID: "s1", Flags: domain.SubscriptionFlags{Posts: true}}}})
	res := s.perform(t, domain.UpsertSubscription{SubjectID: "s2", Flags: domain.SubscriptionFlags{Replies: true}})
	require.Equal(t, http.StatusCreated, res.Status)
	s.perform(t, domain.RemoveSubscription{SubjectID: "s1"})

	snap, _ := s.backend.Account(accountID)
	require.Equal(t, map[string]bool{"likes": true, "reposts": false}, snap.Preferences)
	require.Equal(t, []string{"m1"}, snap.Muted)
	require.Equal(t, []string{"b1", "b2"}, snap.Blocked)
	require.Equal(t, []string{"s2"}, s.backend.SubscriptionIDs(accountID))

	res = s.perform(t, domain.RemoveSubscription{SubjectID: "missing"})
	require.Equal(t, engine.OutcomeSucceeded, res.Outcome, "404 means already removed")

	s.perform(t, domain.Unregister{DeviceToken: "apns-1"})
	res = s.perform(t, domain.Unregister{DeviceToken: "apns-1"})
	require.Equal(t, http.StatusNotFound, res.Status)
	require.Equal(t, engine.OutcomeSucceeded, res.Outcome)

	require.EqualValues(t, 1, s.backend.Stats().Attestations.Load())
	require.Zero(t, s.backend.Stats().Rejected.Load())
}

func TestRevokedKeyRotates(t *testing.T) {
	s := newStack(t, backendsim.Config{}, "")
	s.perform(t, domain.Register{DeviceToken: "apns-1"})
	oldKey := s.state(t).KeyID

	s.backend.RevokeKey(accountID)
	res := s.perform(t, domain.UpdatePreferences{Preferences: map[string]bool{"follows": true}})
	require.Equal(t, engine.OutcomeSucceeded, res.Outcome)
	require.Equal(t, 2, res.Attempts)

	newKey := s.state(t).KeyID
	require.NotEqual(t, oldKey, newKey)
	snap, _ := s.backend.Account(accountID)
	require.Equal(t, newKey, snap.KeyID)
	require.EqualValues(t, 2, s.backend.Stats().Attestations.Load())
	require.Zero(t, s.coord.Breaker().Attempts(domain.KindUpdatePreferences))
}

func TestReregisterAfterRevocationAnswers428(t *testing.T) {
	s := newStack(t, backendsim.Config{}, "")
	s.perform(t, domain.Register{DeviceToken: "apns-1"})
	oldKey := s.state(t).KeyID
	s.backend.RevokeKey(accountID)

	res := s.perform(t, domain.Register{DeviceToken: "apns-2"})
	require.Equal(t, engine.OutcomeSucceeded, res.Outcome)
	require.NotEqual(t, oldKey, s.state(t).KeyID)

	snap, _ := s.backend.Account(accountID)
	require.Equal(t, "apns-2", snap.DeviceToken)
}

func TestInjectedGenericRejectionIsRetriedSilently(t *testing.T) {
	s := newStack(t, backendsim.Config{}, "")
	s.perform(t, domain.Register{DeviceToken: "apns-1"})
	key := s.state(t).KeyID

	s.backend.InjectRejection(transporthttp.PathRelationships, http.StatusUnauthorized, "invalid assertion", 1)
	res := s.perform(t, domain.SyncRelationships{Muted: []string{"x"}})
	require.Equal(t, engine.OutcomeSucceeded, res.Outcome)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, key, s.state(t).KeyID)
	require.Zero(t, s.coord.Breaker().Attempts(domain.KindSyncRelationships))
}

func TestExpiredChallengesRecover(t *testing.T) {
	s := newStack(t, backendsim.Config{}, "")
	s.perform(t, domain.Register{DeviceToken: "apns-1"})

	s.backend.ExpireChallenges()
	res := s.perform(t, domain.UpsertSubscription{SubjectID: "s1"})
	require.Equal(t, engine.OutcomeSucceeded, res.Outcome)
	require.Equal(t, 2, res.Attempts)
	require.EqualValues(t, 1, s.backend.Stats().Attestations.Load())
}

func TestAttestationRequiredOn400ForcesRotation(t *testing.T) {
	s := newStack(t, backendsim.Config{}, "")
	s.perform(t, domain.Register{DeviceToken: "apns-1"})
	oldKey := s.state(t).KeyID

	s.backend.InjectRejection(transporthttp.PathPreferences, http.StatusBadRequest, "attestation_required", 1)
	res := s.perform(t, domain.UpdatePreferences{Preferences: map[string]bool{"a": true}})
	require.Equal(t, engine.OutcomeSucceeded, res.Outcome)
	require.NotEqual(t, oldKey, s.state(t).KeyID)
}

func TestPersistentRejectionsTripBreaker(t *testing.T) {
	s := newStack(t, backendsim.Config{}, "")
	s.perform(t, domain.Register{DeviceToken: "apns-1"})
	s.backend.InjectRejection(transporthttp.PathSubscriptions, http.StatusUnauthorized, "invalid assertion", 100)

	for i := 0; i < engine.DefaultMaxAttempts; i++ {
		res := s.perform(t, domain.UpsertSubscription{SubjectID: "s"})
		require.Equal(t, engine.OutcomeRejected, res.Outcome)
	}
	res := s.perform(t, domain.UpsertSubscription{SubjectID: "s"})
	require.Equal(t, engine.OutcomeVetoed, res.Outcome)
}

func TestBodyTamperingIsRejected(t *testing.T) {
	s := newStack(t, backendsim.Config{}, "")
	s.perform(t, domain.Register{DeviceToken: "apns-1"})

	signed := []byte(`{"preferences":{"a":true}}`)
	proof, err := s.builder.Build(context.Background(), engine.BuildRequest{AccountID: accountID, Body: signed})
	require.NoError(t, err)

	tampered := []byte(`{"preferences":{"a":false}}`)
	req, err := http.NewRequest(http.MethodPut, s.server.URL+transporthttp.PathPreferences, bytes.NewReader(tampered))
	require.NoError(t, err)
	for k, v := range engine.SignRequest(proof, signed) {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body.Error, "digest")
}

func TestBearerTokenRequiredWhenSecretSet(t *testing.T) {
	secret := "s3cret"
	token, err := backendsim.New(backendsim.Config{JWTSecret: secret, Issuer: "pushsim"}).IssueToken(accountID, time.Hour)
	require.NoError(t, err)

	s := newStack(t, backendsim.Config{JWTSecret: secret, Issuer: "pushsim"}, token)
	res := s.perform(t, domain.Register{DeviceToken: "apns-1"})
	require.Equal(t, engine.OutcomeSucceeded, res.Outcome)

	anon := newStack(t, backendsim.Config{JWTSecret: secret}, "")
	_, err = anon.coord.Perform(context.Background(), domain.Register{DeviceToken: "apns-1"})
	require.ErrorIs(t, err, domain.ErrChallengeUnavailable)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: accountID, Issuer: "elsewhere"}).SignedString([]byte(secret))
	require.NoError(t, err)
	wrongIssuer := newStack(t, backendsim.Config{JWTSecret: secret, Issuer: "pushsim"}, foreign)
	_, err = wrongIssuer.coord.Perform(context.Background(), domain.Register{DeviceToken: "apns-1"})
	require.ErrorIs(t, err, domain.ErrChallengeUnavailable)
}

func TestIssueTokenNeedsSecret(t *testing.T) {
	_, err := backendsim.New(backendsim.Config{}).IssueToken(accountID, time.Hour)
	require.Error(t, err)
	_, err = backendsim.New(backendsim.Config{JWTSecret: "k"}).IssueToken("", time.Hour)
	require.Error(t, err)
}
