package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"pushattest/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceKeyRecord is the durable form of domain.DeviceKeyState, one row per
// account.
type DeviceKeyRecord struct {
	AccountID          string     `gorm:"type:text;primaryKey"`
	KeyID              string     `gorm:"type:text;not null"`
	Challenge          *string    `gorm:"type:text"`
	ChallengeExpiresAt *time.Time `gorm:"column:challenge_expires_at"`
	Registered         bool       `gorm:"not null;default:false"`
	UpdatedAt          time.Time  `gorm:"not null;autoUpdateTime"`
}

func (DeviceKeyRecord) TableName() string { return "device_key_states" }

// KeyStateStore keeps the device key state of one account in the database.
// Reads and writes are serialized so callers never observe a torn pair.
type KeyStateStore struct {
	mu        sync.RWMutex
	db        *gorm.DB
	accountID string
}

func (s *Store) KeyStates(accountID string) *KeyStateStore {
	return &KeyStateStore{db: s.DB, accountID: accountID}
}

func (k *KeyStateStore) Get(ctx context.Context) (*domain.DeviceKeyState, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var rec DeviceKeyRecord
	if err := k.db.WithContext(ctx).First(&rec, "account_id = ?", k.accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	state := &domain.DeviceKeyState{KeyID: rec.KeyID, Registered: rec.Registered}
	if rec.Challenge != nil {
		ch := domain.Challenge{Value: *rec.Challenge}
		if rec.ChallengeExpiresAt != nil {
			exp := rec.ChallengeExpiresAt.UTC()
			ch.ExpiresAt = &exp
		}
		state.LatestChallenge = &ch
	}
	return state, nil
}

func (k *KeyStateStore) Set(ctx context.Context, state domain.DeviceKeyState) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec := DeviceKeyRecord{AccountID: k.accountID, KeyID: state.KeyID, Registered: state.Registered}
	if state.LatestChallenge != nil {
		value := state.LatestChallenge.Value
		rec.Challenge = &value
		if state.LatestChallenge.ExpiresAt != nil {
			exp := state.LatestChallenge.ExpiresAt.UTC()
			rec.ChallengeExpiresAt = &exp
		}
	}
	return k.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"key_id":               rec.KeyID,
				"challenge":            rec.Challenge,
				"challenge_expires_at": rec.ChallengeExpiresAt,
				"registered":           rec.Registered,
				"updated_at":           time.Now().UTC(),
			}),
		}).
		Create(&rec).Error
}

func (k *KeyStateStore) Clear(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.db.WithContext(ctx).Delete(&DeviceKeyRecord{}, "account_id = ?", k.accountID).Error
}
