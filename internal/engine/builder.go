package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pushattest/internal/attest"
	"pushattest/internal/domain"
	"pushattest/internal/observability/logging"
	"pushattest/internal/observability/metrics"
)

const (
	DefaultChallengeFetchAttempts = 3
	defaultChallengeRetryDelay    = 100 * time.Millisecond
)

// ChallengeStore is the single source of truth for the device key of one
// account. Implementations must never expose a torn KeyID/challenge pair.
type ChallengeStore interface {
	Get(ctx context.Context) (*domain.DeviceKeyState, error)
	Set(ctx context.Context, state domain.DeviceKeyState) error
	Clear(ctx context.Context) error
}

type ChallengeRequest struct {
	AccountID        string
	DeviceToken      string
	ForceKeyRotation bool
}

// ChallengeSource fetches fresh challenges from the backend side channel.
type ChallengeSource interface {
	FetchChallenge(ctx context.Context, req ChallengeRequest) (domain.Challenge, error)
}

type BuildRequest struct {
	AccountID           string
	DeviceToken         string
	ForceKeyRotation    bool
	ForceFreshChallenge bool
	InitialRegistration bool
	// Body is the exact request body the assertion gets bound to.
	Body []byte
}

type BuilderOptions struct {
	ChallengeFetchAttempts int
	ChallengeRetryDelay    time.Duration
	Logger                 *slog.Logger
}

// PayloadBuilder produces proof bundles: key generation, attestation,
// challenge refresh and assertion, with stale-key self-healing.
type PayloadBuilder struct {
	primitive  attest.Primitive
	store      ChallengeStore
	challenges ChallengeSource

	fetchAttempts int
	retryDelay    time.Duration
	log           *slog.Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewPayloadBuilder(p attest.Primitive, store ChallengeStore, challenges ChallengeSource, opts BuilderOptions) *PayloadBuilder {
	b := &PayloadBuilder{
		primitive:     p,
		store:         store,
		challenges:    challenges,
		fetchAttempts: opts.ChallengeFetchAttempts,
		retryDelay:    opts.ChallengeRetryDelay,
		log:           opts.Logger,
		now:           time.Now,
		sleep:         sleepContext,
	}
	if b.fetchAttempts <= 0 {
		b.fetchAttempts = DefaultChallengeFetchAttempts
	}
	if b.retryDelay <= 0 {
		b.retryDelay = defaultChallengeRetryDelay
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// Build returns a proof for req.Body. A stale key on the first pass clears the
// stored state and rebuilds once with a rotated key and a fresh challenge.
func (b *PayloadBuilder) Build(ctx context.Context, req BuildRequest) (domain.ProofBundle, error) {
	if !b.primitive.Supported(ctx) {
		return domain.ProofBundle{}, domain.ErrAttestationUnsupported
	}

	for attempt := 0; ; attempt++ {
		proof, err := b.build(ctx, req)
		if err == nil {
			return proof, nil
		}
		if attempt > 0 || !attest.IsStaleKey(err) {
			return domain.ProofBundle{}, err
		}

		b.log.Warn("stale device key, rotating",
			slog.String("reason", err.Error()),
		)
		if cerr := b.store.Clear(ctx); cerr != nil {
			return domain.ProofBundle{}, fmt.Errorf("clear key state: %w", cerr)
		}
		metrics.KeyRotationsTotal.WithLabelValues("stale_key").Inc()
		req.ForceKeyRotation = true
		req.ForceFreshChallenge = true
	}
}

func (b *PayloadBuilder) build(ctx context.Context, req BuildRequest) (domain.ProofBundle, error) {
	state, err := b.store.Get(ctx)
	if err != nil {
		return domain.ProofBundle{}, fmt.Errorf("load key state: %w", err)
	}

	rotate := req.ForceKeyRotation || state == nil || state.KeyID == ""
	if rotate {
		if err := b.store.Clear(ctx); err != nil {
			return domain.ProofBundle{}, fmt.Errorf("clear key state: %w", err)
		}
		keyID, err := b.primitive.GenerateKey(ctx)
		if err != nil {
			return domain.ProofBundle{}, primitiveError("generate key", err)
		}
		state = &domain.DeviceKeyState{KeyID: keyID}
		b.log.Info("device key generated", slog.String("key_id", logging.KeyRef(keyID)))
	}

	challenge := state.LatestChallenge
	if challenge == nil || challenge.Expired(b.now()) || req.ForceFreshChallenge {
		fresh, err := b.fetchChallenge(ctx, ChallengeRequest{
			AccountID:        req.AccountID,
			DeviceToken:      req.DeviceToken,
			ForceKeyRotation: req.ForceKeyRotation,
		})
		if err != nil {
			return domain.ProofBundle{}, err
		}
		challenge = &fresh
	}

	clientData := EncodeClientData(challenge.Value)
	proof := domain.ProofBundle{
		KeyID:      state.KeyID,
		ClientData: clientData,
		Challenge:  challenge.Value,
	}

	if rotate || req.InitialRegistration || req.ForceKeyRotation {
		att, err := b.primitive.Attest(ctx, state.KeyID, ClientDataHash(clientData, nil))
		if err != nil {
			return domain.ProofBundle{}, primitiveError("attest key", err)
		}
		proof.Attestation = att
	}

	assertion, err := b.primitive.Assert(ctx, state.KeyID, ClientDataHash(clientData, req.Body))
	if err != nil {
		return domain.ProofBundle{}, primitiveError("assert", err)
	}
	proof.Assertion = assertion

	next := domain.DeviceKeyState{
		KeyID:           state.KeyID,
		LatestChallenge: challenge,
		Registered:      state.Registered,
	}
	if err := b.store.Set(ctx, next); err != nil {
		return domain.ProofBundle{}, fmt.Errorf("persist key state: %w", err)
	}

	metrics.ProofsBuiltTotal.WithLabelValues(strconv.FormatBool(proof.HasAttestation())).Inc()
	return proof, nil
}

// primitiveError maps a primitive that stopped supporting attestation to
// ErrAttestationUnsupported, whichever call noticed it.
func primitiveError(step string, err error) error {
	if errors.Is(err, attest.ErrUnsupported) {
		return fmt.Errorf("%w: %s: %w", domain.ErrAttestationUnsupported, step, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}

func (b *PayloadBuilder) fetchChallenge(ctx context.Context, req ChallengeRequest) (domain.Challenge, error) {
	var lastErr error
	for try := 1; try <= b.fetchAttempts; try++ {
		ch, err := b.challenges.FetchChallenge(ctx, req)
		if err == nil {
			if ch.Value == "" {
				err = errors.New("empty challenge")
			} else {
				return ch, nil
			}
		}
		lastErr = err
		if !retryableFetch(err) || try == b.fetchAttempts {
			break
		}
		b.log.Debug("challenge fetch failed, retrying",
			slog.Int("attempt", try),
			slog.String("reason", err.Error()),
		)
		if serr := b.sleep(ctx, b.retryDelay); serr != nil {
			lastErr = serr
			break
		}
	}
	return domain.Challenge{}, fmt.Errorf("%w: %w", domain.ErrChallengeUnavailable, lastErr)
}

func retryableFetch(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *domain.TransportError
	if errors.As(err, &te) && te.Status != 0 {
		return te.Status >= 500
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
