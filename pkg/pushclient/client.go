// Package pushclient is the public entry point for running push
// notification operations behind device attestation.
package pushclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"pushattest/internal/attest"
	"pushattest/internal/config"
	"pushattest/internal/domain"
	"pushattest/internal/engine"
	"pushattest/internal/store"
	transporthttp "pushattest/internal/transport/http"
)

type (
	Result  = engine.Result
	Outcome = engine.Outcome
)

const (
	OutcomeSucceeded = engine.OutcomeSucceeded
	OutcomeVetoed    = engine.OutcomeVetoed
	OutcomeRejected  = engine.OutcomeRejected
)

const transitionBuffer = 64

type Config struct {
	BackendURL  string
	AccessToken string
	// AccountID defaults to the subject of AccessToken.
	AccountID   string
	DeviceToken string
	HTTPTimeout time.Duration
	HTTPClient  *http.Client

	// Primitive is required. Store defaults to process memory.
	Primitive attest.Primitive
	Store     engine.ChallengeStore

	BreakerMaxAttempts        int
	BreakerResetInterval      time.Duration
	ChallengeFetchAttempts    int
	UnsupportedRetryAttempts  int
	UnsupportedRetryBaseDelay time.Duration

	Logger *slog.Logger
}

// ConfigFrom copies the protocol and backend settings of cfg.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		BackendURL:                cfg.BackendURL,
		AccessToken:               cfg.AccessToken,
		AccountID:                 cfg.AccountID,
		DeviceToken:               cfg.DeviceToken,
		HTTPTimeout:               cfg.HTTPTimeout,
		BreakerMaxAttempts:        cfg.BreakerMaxAttempts,
		BreakerResetInterval:      cfg.BreakerResetInterval,
		ChallengeFetchAttempts:    cfg.ChallengeFetchAttempts,
		UnsupportedRetryAttempts:  cfg.UnsupportedRetryAttempts,
		UnsupportedRetryBaseDelay: cfg.UnsupportedRetryBaseDelay,
	}
}

type Client struct {
	accountID string
	store     engine.ChallengeStore
	coord     *engine.Coordinator
	gate      engine.RegistrationGate
	log       *slog.Logger

	transitionsOnce sync.Once
	transitions     chan domain.Transition
}

func New(cfg Config) (*Client, error) {
	if cfg.Primitive == nil {
		return nil, errors.New("pushclient: attestation primitive is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	accountID := cfg.AccountID
	if accountID == "" && cfg.AccessToken != "" {
		sub, err := transporthttp.AccountIDFromToken(cfg.AccessToken)
		if err != nil {
			return nil, err
		}
		accountID = sub
	}
	if accountID == "" {
		return nil, errors.New("pushclient: account id or access token is required")
	}
	st := cfg.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	transport := transporthttp.NewClient(cfg.BackendURL, transporthttp.Options{
		Timeout:     cfg.HTTPTimeout,
		AccessToken: cfg.AccessToken,
		Logger:      log,
		HTTPClient:  cfg.HTTPClient,
	})
	builder := engine.NewPayloadBuilder(cfg.Primitive, st, transport, engine.BuilderOptions{
		ChallengeFetchAttempts: cfg.ChallengeFetchAttempts,
		Logger:                 log,
	})
	coord := engine.NewCoordinator(engine.CoordinatorConfig{
		Builder:              builder,
		Transport:            transport,
		Breaker:              engine.NewCircuitBreaker(cfg.BreakerMaxAttempts, cfg.BreakerResetInterval),
		Store:                st,
		Identity:             engine.Identity{AccountID: accountID, DeviceToken: cfg.DeviceToken},
		Logger:               log,
		UnsupportedAttempts:  cfg.UnsupportedRetryAttempts,
		UnsupportedBaseDelay: cfg.UnsupportedRetryBaseDelay,
	})

	return &Client{
		accountID: accountID,
		store:     st,
		coord:     coord,
		log:       log,
	}, nil
}

func (c *Client) AccountID() string { return c.accountID }

// Register registers deviceToken for push delivery. Only one registration
// runs at a time; a concurrent caller gets domain.ErrRegistrationInFlight.
// Security failures that exhausted re-attestation are returned as errors.
func (c *Client) Register(ctx context.Context, deviceToken string) (*Result, error) {
	return c.PerformProtectedOperation(ctx, domain.Register{DeviceToken: deviceToken})
}

func (c *Client) Unregister(ctx context.Context, deviceToken string) (*Result, error) {
	return c.PerformProtectedOperation(ctx, domain.Unregister{DeviceToken: deviceToken, AccountID: c.accountID})
}

func (c *Client) UpdatePreferences(ctx context.Context, prefs map[string]bool) (*Result, error) {
	return c.PerformProtectedOperation(ctx, domain.UpdatePreferences{Preferences: prefs})
}

func (c *Client) SyncRelationships(ctx context.Context, muted, blocked []string) (*Result, error) {
	return c.PerformProtectedOperation(ctx, domain.SyncRelationships{Muted: muted, Blocked: blocked})
}

func (c *Client) SyncSubscriptions(ctx context.Context, subs []domain.Subscription) (*Result, error) {
	return c.PerformProtectedOperation(ctx, domain.SyncSubscriptions{Subscriptions: subs})
}

func (c *Client) UpsertSubscription(ctx context.Context, subjectID string, flags domain.SubscriptionFlags) (*Result, error) {
	return c.PerformProtectedOperation(ctx, domain.UpsertSubscription{SubjectID: subjectID, Flags: flags})
}

func (c *Client) RemoveSubscription(ctx context.Context, subjectID string) (*Result, error) {
	return c.PerformProtectedOperation(ctx, domain.RemoveSubscription{SubjectID: subjectID})
}

// PerformProtectedOperation runs op with a device proof attached.
func (c *Client) PerformProtectedOperation(ctx context.Context, op domain.Operation) (*Result, error) {
	if op != nil && op.Kind() == domain.KindRegister {
		if !c.gate.Begin() {
			c.log.Info("registration already in flight, skipping")
			return nil, domain.ErrRegistrationInFlight
		}
		defer c.gate.Finish()
	}
	return c.coord.Perform(ctx, op)
}

// DismissPendingReattestation hides any "verifying device" prompt. It does
// not stop re-attestation.
func (c *Client) DismissPendingReattestation() {
	c.coord.DismissPendingReattestation()
}

func (c *Client) PendingPrompt(kind domain.OperationKind) (domain.ReattestationPrompt, bool) {
	return c.coord.PendingPrompt(kind)
}

// Subscribe delivers transitions synchronously to o.
func (c *Client) Subscribe(o engine.Observer) {
	c.coord.Subscribe(o)
}

// Transitions returns a buffered channel of state transitions. Events are
// dropped while the buffer is full.
func (c *Client) Transitions() <-chan domain.Transition {
	c.transitionsOnce.Do(func() {
		c.transitions = make(chan domain.Transition, transitionBuffer)
		c.coord.Subscribe(engine.ObserverFunc(func(t domain.Transition) {
			select {
			case c.transitions <- t:
			default:
			}
		}))
	})
	return c.transitions
}

// KeyState returns the stored device key state, or nil before the first proof.
func (c *Client) KeyState(ctx context.Context) (*domain.DeviceKeyState, error) {
	return c.store.Get(ctx)
}

// ResetKey discards the device key so the next operation rotates.
func (c *Client) ResetKey(ctx context.Context) error {
	return c.store.Clear(ctx)
}

func (c *Client) BreakerAttempts(kind domain.OperationKind) int {
	return c.coord.Breaker().Attempts(kind)
}
