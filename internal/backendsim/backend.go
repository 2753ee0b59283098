// Package backendsim is an in-process push backend that verifies device
// proofs the way the production service does. Tests and cmd/pushsim use it.
package backendsim

import (
	"crypto/ecdsa"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pushattest/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

const defaultChallengeTTL = 5 * time.Minute

type Config struct {
	ChallengeTTL time.Duration
	// JWTSecret enables HS256 bearer token checks when set.
	JWTSecret string
	Issuer    string
	Logger    *slog.Logger
	Now       func() time.Time
}

type issuedChallenge struct {
	accountID string
	expiresAt time.Time
}

type deviceKey struct {
	accountID string
	pub       *ecdsa.PublicKey
	counter   uint32
}

type account struct {
	keyID         string
	registered    bool
	deviceToken   string
	preferences   map[string]bool
	muted         []string
	blocked       []string
	subscriptions map[string]domain.SubscriptionFlags
}

// Stats counts what the backend has seen since start.
type Stats struct {
	Challenges   atomic.Int64
	Attestations atomic.Int64
	Accepted     atomic.Int64
	Rejected     atomic.Int64
}

// Backend holds accounts, keys and issued challenges in memory.
type Backend struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu         sync.Mutex
	challenges map[string]issuedChallenge
	keys       map[string]*deviceKey
	accounts   map[string]*account

	faults *faultQueue
	stats  Stats
}

func New(cfg Config) *Backend {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}
	b := &Backend{
		cfg:        cfg,
		log:        cfg.Logger,
		now:        cfg.Now,
		challenges: make(map[string]issuedChallenge),
		keys:       make(map[string]*deviceKey),
		accounts:   make(map[string]*account),
		faults:     newFaultQueue(),
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *Backend) Stats() *Stats { return &b.stats }

// IssueChallenge creates a challenge bound to accountID.
func (b *Backend) IssueChallenge(accountID string) domain.Challenge {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked(accountID)
}

func (b *Backend) issueLocked(accountID string) domain.Challenge {
	value := uuid.NewString()
	exp := b.now().Add(b.cfg.ChallengeTTL).UTC().Truncate(time.Second)
	b.challenges[value] = issuedChallenge{accountID: accountID, expiresAt: exp}
	b.stats.Challenges.Inc()
	return domain.Challenge{Value: value, ExpiresAt: &exp}
}

// ExpireChallenges invalidates every outstanding challenge.
func (b *Backend) ExpireChallenges() {
	b.mu.Lock()
	clear(b.challenges)
	b.mu.Unlock()
}

// RevokeKey forgets the key of accountID, as if the server lost trust in it.
func (b *Backend) RevokeKey(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[accountID]
	if !ok || acct.keyID == "" {
		return
	}
	delete(b.keys, acct.keyID)
	acct.keyID = ""
}

// InjectRejection makes the next times requests to path answer status with
// message before any proof check.
func (b *Backend) InjectRejection(path string, status int, message string, times int) {
	b.faults.push(path, status, message, times)
}

// AccountSnapshot is a read-only copy of an account's server-side state.
type AccountSnapshot struct {
	KeyID         string
	Registered    bool
	DeviceToken   string
	Preferences   map[string]bool
	Muted         []string
	Blocked       []string
	Subscriptions map[string]domain.SubscriptionFlags
}

func (b *Backend) Account(accountID string) (AccountSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[accountID]
	if !ok {
		return AccountSnapshot{}, false
	}
	snap := AccountSnapshot{
		KeyID:         acct.keyID,
		Registered:    acct.registered,
		DeviceToken:   acct.deviceToken,
		Preferences:   make(map[string]bool, len(acct.preferences)),
		Muted:         append([]string(nil), acct.muted...),
		Blocked:       append([]string(nil), acct.blocked...),
		Subscriptions: make(map[string]domain.SubscriptionFlags, len(acct.subscriptions)),
	}
	for k, v := range acct.preferences {
		snap.Preferences[k] = v
	}
	for k, v := range acct.subscriptions {
		snap.Subscriptions[k] = v
	}
	return snap, true
}

// SubscriptionIDs lists subscribed subjects of accountID in order.
func (b *Backend) SubscriptionIDs(accountID string) []string {
	snap, ok := b.Account(accountID)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(snap.Subscriptions))
	for id := range snap.Subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Backend) accountLocked(accountID string) *account {
	acct, ok := b.accounts[accountID]
	if !ok {
		acct = &account{
			preferences:   make(map[string]bool),
			subscriptions: make(map[string]domain.SubscriptionFlags),
		}
		b.accounts[accountID] = acct
	}
	return acct
}
