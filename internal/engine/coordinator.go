package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pushattest/internal/domain"
	"pushattest/internal/observability/logging"
	"pushattest/internal/observability/metrics"
)

const (
	DefaultUnsupportedAttempts  = 3
	DefaultUnsupportedBaseDelay = 200 * time.Millisecond
)

// Transport turns operations into requests and sends them with proof headers
// attached. Send returns a *domain.TransportError when no response arrived.
type Transport interface {
	Prepare(op domain.Operation) (OutboundRequest, error)
	Send(ctx context.Context, req OutboundRequest, proof http.Header) (*Response, error)
}

// Identity scopes challenges to an account and device.
type Identity struct {
	AccountID   string
	DeviceToken string
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeVetoed and OutcomeRejected are only returned for background
	// kinds; Register surfaces them as errors.
	OutcomeVetoed   Outcome = "vetoed"
	OutcomeRejected Outcome = "rejected"
)

type Result struct {
	Outcome  Outcome
	Status   int
	Body     []byte
	Attempts int
}

type CoordinatorConfig struct {
	Builder   *PayloadBuilder
	Transport Transport
	Breaker   *CircuitBreaker
	Store     ChallengeStore
	Identity  Identity
	Logger    *slog.Logger

	UnsupportedAttempts  int
	UnsupportedBaseDelay time.Duration
}

// Coordinator runs protected operations through the re-attestation state
// machine: Executing, then Succeeded or Rejected, then Vetoed or Reattesting.
type Coordinator struct {
	builder   *PayloadBuilder
	transport Transport
	breaker   *CircuitBreaker
	store     ChallengeStore
	identity  Identity
	log       *slog.Logger

	unsupportedAttempts  int
	unsupportedBaseDelay time.Duration
	now                  func() time.Time
	sleep                func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	prompts   map[domain.OperationKind]domain.ReattestationPrompt
	observers []Observer
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		builder:              cfg.Builder,
		transport:            cfg.Transport,
		breaker:              cfg.Breaker,
		store:                cfg.Store,
		identity:             cfg.Identity,
		log:                  cfg.Logger,
		unsupportedAttempts:  cfg.UnsupportedAttempts,
		unsupportedBaseDelay: cfg.UnsupportedBaseDelay,
		now:                  time.Now,
		sleep:                sleepContext,
		prompts:              make(map[domain.OperationKind]domain.ReattestationPrompt),
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(DefaultMaxAttempts, DefaultResetInterval)
	}
	if c.unsupportedAttempts <= 0 {
		c.unsupportedAttempts = DefaultUnsupportedAttempts
	}
	if c.unsupportedBaseDelay <= 0 {
		c.unsupportedBaseDelay = DefaultUnsupportedBaseDelay
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

func (c *Coordinator) Breaker() *CircuitBreaker { return c.breaker }

// Subscribe registers o for all future transitions.
func (c *Coordinator) Subscribe(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

type exchange struct {
	keyID    string
	resp     *Response
	rejected *domain.ProofRejectedError
}

// Perform executes op with a fresh proof. A generic rejection gets one silent
// retry with a new challenge; a key mismatch, or a second rejection, costs a
// breaker attempt and one re-attestation. The chain ends after that.
//
// Register recomputes initial registration on every attempt. While the key
// has not registered yet, the silent retry attests it again; the primitive
// refuses a second attestation and the builder rotates to a new key.
//
// Vetoes and final rejections of Register are returned as errors
// (*domain.CircuitOpenError, *domain.ProofRejectedError). For every other kind
// they are logged and reported through Result.Outcome with a nil error.
func (c *Coordinator) Perform(ctx context.Context, op domain.Operation) (*Result, error) {
	if err := domain.ValidateOperation(op); err != nil {
		return nil, err
	}
	kind := op.Kind()
	req, err := c.transport.Prepare(op)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", kind, err)
	}

	build := BuildRequest{
		AccountID:   c.identity.AccountID,
		DeviceToken: c.identity.DeviceToken,
		Body:        req.Body,
	}
	switch o := op.(type) {
	case domain.Register:
		build.DeviceToken = o.DeviceToken
	case domain.Unregister:
		if o.DeviceToken != "" {
			build.DeviceToken = o.DeviceToken
		}
	}

	silentRetried := false
	reattested := false
	for attempt := 1; ; attempt++ {
		c.emit(domain.Transition{State: domain.StateExecuting, Kind: kind, Attempt: attempt})

		ex, err := c.execute(ctx, op, req, build)
		if err != nil {
			c.emit(domain.Transition{State: domain.StateFailed, Kind: kind, Attempt: attempt, Err: err})
			metrics.OperationsTotal.WithLabelValues(string(kind), "failed").Inc()
			return nil, err
		}

		if ex.rejected == nil {
			c.succeed(ctx, op, ex)
			c.emit(domain.Transition{State: domain.StateSucceeded, Kind: kind, Attempt: attempt})
			metrics.OperationsTotal.WithLabelValues(string(kind), "succeeded").Inc()
			return &Result{Outcome: OutcomeSucceeded, Status: ex.resp.Status, Body: ex.resp.Body, Attempts: attempt}, nil
		}

		rej := ex.rejected
		metrics.ProofRejectionsTotal.WithLabelValues(string(kind), strconv.FormatBool(rej.Mismatch)).Inc()
		c.emit(domain.Transition{State: domain.StateRejected, Kind: kind, Attempt: attempt, Reason: rej.Message, Err: rej})
		c.log.Info("proof rejected",
			slog.String("kind", string(kind)),
			slog.Int("status", rej.Status),
			slog.Int("attempt", attempt),
			slog.Bool("mismatch", rej.Mismatch),
			slog.String("reason", rej.Message),
		)

		// The server disavowed the key; it cannot succeed again.
		if rej.Mismatch {
			if err := c.store.Clear(ctx); err != nil {
				return nil, fmt.Errorf("clear key state: %w", err)
			}
			metrics.KeyRotationsTotal.WithLabelValues("key_mismatch").Inc()
		}
		if reattested {
			return c.terminal(kind, OutcomeRejected, rej, attempt, rej)
		}

		request := domain.ReattestationRequest{
			Message:             rej.Message,
			Operation:           op,
			ForceKeyRotation:    rej.Mismatch,
			ForceFreshChallenge: true,
		}
		if !rej.Mismatch && !silentRetried {
			silentRetried = true
			build.ForceKeyRotation = false
			build.ForceFreshChallenge = true
			c.emit(domain.Transition{State: domain.StateSilentRetry, Kind: kind, Attempt: attempt, Reason: rej.Message})
			continue
		}

		if !c.breaker.tryRecord(kind) {
			metrics.BreakerVetoesTotal.WithLabelValues(string(kind)).Inc()
			c.emit(domain.Transition{State: domain.StateVetoed, Kind: kind, Attempt: attempt, Reason: rej.Message})
			return c.terminal(kind, OutcomeVetoed, rej, attempt, &domain.CircuitOpenError{Kind: kind, Cause: rej})
		}
		reattested = true
		metrics.ReattestationsTotal.WithLabelValues(string(kind)).Inc()

		prompt := c.raisePrompt(kind, request.Message)
		c.emit(domain.Transition{State: domain.StateReattesting, Kind: kind, Attempt: attempt, Reason: request.Message, Prompt: &prompt})

		build.ForceKeyRotation = request.ForceKeyRotation
		build.ForceFreshChallenge = request.ForceFreshChallenge
	}
}

// DismissPendingReattestation clears every pending prompt. Re-attestation in
// progress continues regardless.
func (c *Coordinator) DismissPendingReattestation() {
	c.mu.Lock()
	dismissed := make([]domain.ReattestationPrompt, 0, len(c.prompts))
	for kind, p := range c.prompts {
		dismissed = append(dismissed, p)
		delete(c.prompts, kind)
	}
	c.mu.Unlock()

	for i := range dismissed {
		p := dismissed[i]
		c.emit(domain.Transition{State: domain.StatePromptDismissed, Kind: p.Kind, Prompt: &p})
	}
}

// PendingPrompt returns the prompt raised for kind, if any.
func (c *Coordinator) PendingPrompt(kind domain.OperationKind) (domain.ReattestationPrompt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prompts[kind]
	return p, ok
}

func (c *Coordinator) execute(ctx context.Context, op domain.Operation, req OutboundRequest, build BuildRequest) (*exchange, error) {
	if op.Kind() == domain.KindRegister {
		state, err := c.store.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("load key state: %w", err)
		}
		build.InitialRegistration = state == nil || !state.Registered
	}

	proof, err := c.buildProof(ctx, build)
	if err != nil {
		return nil, err
	}

	resp, err := c.transport.Send(ctx, req, SignRequest(proof, req.Body))
	if err != nil {
		var te *domain.TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &domain.TransportError{Err: err}
	}

	ex := &exchange{keyID: proof.KeyID, resp: resp}
	if err := Classify(op.Kind(), resp); err != nil {
		if !errors.As(err, &ex.rejected) {
			return nil, err
		}
	}
	return ex, nil
}

// buildProof retries a transiently unsupported primitive with exponential
// delay and then fails closed.
func (c *Coordinator) buildProof(ctx context.Context, req BuildRequest) (domain.ProofBundle, error) {
	delay := c.unsupportedBaseDelay
	for try := 1; ; try++ {
		proof, err := c.builder.Build(ctx, req)
		if err == nil || !errors.Is(err, domain.ErrAttestationUnsupported) || try >= c.unsupportedAttempts {
			return proof, err
		}
		c.log.Debug("attestation unsupported, backing off",
			slog.Int("attempt", try),
			slog.Duration("delay", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return domain.ProofBundle{}, err
		}
		delay *= 2
	}
}

func (c *Coordinator) succeed(ctx context.Context, op domain.Operation, ex *exchange) {
	kind := op.Kind()
	c.breaker.Reset(kind)
	c.mu.Lock()
	delete(c.prompts, kind)
	c.mu.Unlock()

	state, err := c.store.Get(ctx)
	if err != nil || state == nil || state.KeyID != ex.keyID {
		// Rotated by a concurrent operation; its state wins.
		return
	}
	changed := false
	if next, ok := ScanNextChallenge(ex.resp.Body); ok {
		state.LatestChallenge = next
		changed = true
	}
	switch kind {
	case domain.KindRegister:
		changed = changed || !state.Registered
		state.Registered = true
	case domain.KindUnregister:
		changed = changed || state.Registered
		state.Registered = false
	}
	if !changed {
		return
	}
	if err := c.store.Set(ctx, *state); err != nil {
		c.log.Warn("persist key state after success failed",
			slog.String("kind", string(kind)),
			slog.String("key_id", logging.KeyRef(state.KeyID)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) terminal(kind domain.OperationKind, outcome Outcome, rej *domain.ProofRejectedError, attempt int, err error) (*Result, error) {
	metrics.OperationsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
	if kind == domain.KindRegister {
		return nil, err
	}
	c.log.Warn("protected operation abandoned",
		slog.String("kind", string(kind)),
		slog.String("outcome", string(outcome)),
		slog.Int("status", rej.Status),
		slog.Int("attempt", attempt),
		slog.String("reason", rej.Message),
	)
	return &Result{Outcome: outcome, Status: rej.Status, Attempts: attempt}, nil
}

func (c *Coordinator) raisePrompt(kind domain.OperationKind, message string) domain.ReattestationPrompt {
	p := domain.ReattestationPrompt{Kind: kind, Message: message, IssuedAt: c.now()}
	c.mu.Lock()
	c.prompts[kind] = p
	c.mu.Unlock()
	return p
}

func (c *Coordinator) emit(t domain.Transition) {
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o.OnTransition(t)
	}
}
