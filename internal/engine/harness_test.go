package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"pushattest/internal/attest"
	"pushattest/internal/domain"
	"pushattest/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeChallenges struct {
	mu    sync.Mutex
	n     int
	fails []error
	ttl   time.Duration
	now   func() time.Time
	reqs  []ChallengeRequest
}

func (f *fakeChallenges) FetchChallenge(ctx context.Context, req ChallengeRequest) (domain.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return domain.Challenge{}, err
	}
	f.n++
	ch := domain.Challenge{Value: fmt.Sprintf("ch-%d", f.n)}
	if f.ttl > 0 {
		exp := f.now().Add(f.ttl)
		ch.ExpiresAt = &exp
	}
	return ch, nil
}

func (f *fakeChallenges) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type sentRequest struct {
	req     OutboundRequest
	headers http.Header
}

// scriptedTransport answers with queued responses, then with fallback.
type scriptedTransport struct {
	mu       sync.Mutex
	queue    []*Response
	fallback *Response
	sent     []sentRequest
}

func (t *scriptedTransport) Prepare(op domain.Operation) (OutboundRequest, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return OutboundRequest{}, err
	}
	return OutboundRequest{Method: http.MethodPost, Path: "/" + string(op.Kind()), Body: body}, nil
}

func (t *scriptedTransport) Send(ctx context.Context, req OutboundRequest, proof http.Header) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentRequest{req: req, headers: proof.Clone()})
	if len(t.queue) > 0 {
		r := t.queue[0]
		t.queue = t.queue[1:]
		return r, nil
	}
	if t.fallback != nil {
		return t.fallback, nil
	}
	return &Response{Status: http.StatusOK, Body: []byte(`{}`)}, nil
}

func (t *scriptedTransport) push(rs ...*Response) {
	t.mu.Lock()
	t.queue = append(t.queue, rs...)
	t.mu.Unlock()
}

func (t *scriptedTransport) requests() []sentRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentRequest(nil), t.sent...)
}

func reply(status int, body string) *Response {
	return &Response{Status: status, Body: []byte(body)}
}

// flakyPrimitive wraps the software enclave to inject primitive errors.
type flakyPrimitive struct {
	*attest.Enclave
	mu        sync.Mutex
	assertErr error
	generated int
	// attestErr is returned by the next attestFailures Attest calls.
	attestErr      error
	attestFailures int
}

func (f *flakyPrimitive) Attest(ctx context.Context, keyID string, hash []byte) ([]byte, error) {
	f.mu.Lock()
	if f.attestFailures > 0 {
		f.attestFailures--
		err := f.attestErr
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.Enclave.Attest(ctx, keyID, hash)
}

func (f *flakyPrimitive) GenerateKey(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.generated++
	f.mu.Unlock()
	return f.Enclave.GenerateKey(ctx)
}

func (f *flakyPrimitive) Assert(ctx context.Context, keyID string, hash []byte) ([]byte, error) {
	f.mu.Lock()
	err := f.assertErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Enclave.Assert(ctx, keyID, hash)
}

type recorder struct {
	mu          sync.Mutex
	transitions []domain.Transition
}

func (r *recorder) OnTransition(t domain.Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
}

func (r *recorder) states() []domain.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.State, 0, len(r.transitions))
	for _, t := range r.transitions {
		out = append(out, t.State)
	}
	return out
}

func (r *recorder) count(s domain.State) int {
	n := 0
	for _, got := range r.states() {
		if got == s {
			n++
		}
	}
	return n
}

type harness struct {
	clock      *fakeClock
	enclave    *attest.Enclave
	store      *store.MemoryStore
	challenges *fakeChallenges
	transport  *scriptedTransport
	breaker    *CircuitBreaker
	builder    *PayloadBuilder
	coord      *Coordinator
	events     *recorder
	sleeps     []time.Duration
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		enclave:   attest.NewEnclave(),
		store:     store.NewMemoryStore(),
		transport: &scriptedTransport{},
		events:    &recorder{},
	}
	h.challenges = &fakeChallenges{now: h.clock.Now}
	h.breaker = newCircuitBreaker(DefaultMaxAttempts, DefaultResetInterval, h.clock.Now)
	h.builder = NewPayloadBuilder(h.enclave, h.store, h.challenges, BuilderOptions{Logger: quietLogger()})
	h.builder.now = h.clock.Now
	h.builder.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	h.coord = NewCoordinator(CoordinatorConfig{
		Builder:   h.builder,
		Transport: h.transport,
		Breaker:   h.breaker,
		Store:     h.store,
		Identity:  Identity{AccountID: "acct-1", DeviceToken: "device-1"},
		Logger:    quietLogger(),
	})
	h.coord.now = h.clock.Now
	h.coord.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.coord.Subscribe(h.events)
	return h
}

func (h *harness) keyID(t *testing.T) string {
	t.Helper()
	st, err := h.store.Get(context.Background())
	if err != nil || st == nil {
		t.Fatalf("no stored key state: %v", err)
	}
	return st.KeyID
}
