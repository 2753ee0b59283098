package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// OperationKind buckets protected operations for retry budgeting. Payloads are
// ignored: two upserts for different subjects share one kind.
type OperationKind string

const (
	KindRegister           OperationKind = "register"
	KindUpdatePreferences  OperationKind = "update_preferences"
	KindSyncRelationships  OperationKind = "sync_relationships"
	KindSyncSubscriptions  OperationKind = "sync_subscriptions"
	KindUpsertSubscription OperationKind = "upsert_subscription"
	KindRemoveSubscription OperationKind = "remove_subscription"
	KindUnregister         OperationKind = "unregister"
)

// AllKinds lists every operation kind in a stable order.
func AllKinds() []OperationKind {
	return []OperationKind{
		KindRegister,
		KindUpdatePreferences,
		KindSyncRelationships,
		KindSyncSubscriptions,
		KindUpsertSubscription,
		KindRemoveSubscription,
		KindUnregister,
	}
}

// Operation is a server-facing call that needs proof of device integrity.
// The set is closed: only the types in this file implement it.
type Operation interface {
	Kind() OperationKind
	sealed()
}

type Register struct {
	DeviceToken string `json:"device_token" validate:"required,max=512"`
}

type UpdatePreferences struct {
	Preferences map[string]bool `json:"preferences" validate:"dive,keys,required,max=64,endkeys"`
}

type SyncRelationships struct {
	Muted   []string `json:"muted" validate:"dive,required,max=256"`
	Blocked []string `json:"blocked" validate:"dive,required,max=256"`
}

type SubscriptionFlags struct {
	Posts   bool `json:"posts"`
	Replies bool `json:"replies"`
}

type Subscription struct {
	SubjectID string            `json:"subject_id" validate:"required,max=256"`
	Flags     SubscriptionFlags `json:"flags"`
}

type SyncSubscriptions struct {
	Subscriptions []Subscription `json:"subscriptions" validate:"dive"`
}

type UpsertSubscription struct {
	SubjectID string            `json:"subject_id" validate:"required,max=256"`
	Flags     SubscriptionFlags `json:"flags"`
}

type RemoveSubscription struct {
	SubjectID string `json:"subject_id" validate:"required,max=256"`
}

type Unregister struct {
	DeviceToken string `json:"device_token" validate:"required,max=512"`
	AccountID   string `json:"account_id,omitempty" validate:"omitempty,max=256"`
}

func (Register) Kind() OperationKind           { return KindRegister }
func (UpdatePreferences) Kind() OperationKind  { return KindUpdatePreferences }
func (SyncRelationships) Kind() OperationKind  { return KindSyncRelationships }
func (SyncSubscriptions) Kind() OperationKind  { return KindSyncSubscriptions }
func (UpsertSubscription) Kind() OperationKind { return KindUpsertSubscription }
func (RemoveSubscription) Kind() OperationKind { return KindRemoveSubscription }
func (Unregister) Kind() OperationKind         { return KindUnregister }

func (Register) sealed()           {}
func (UpdatePreferences) sealed()  {}
func (SyncRelationships) sealed()  {}
func (SyncSubscriptions) sealed()  {}
func (UpsertSubscription) sealed() {}
func (RemoveSubscription) sealed() {}
func (Unregister) sealed()         {}

var validate = validator.New()

// ValidateOperation checks the payload of op before it is sent anywhere.
func ValidateOperation(op Operation) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	if err := validate.Struct(op); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOperation, op.Kind(), err)
	}
	return nil
}

// TreatsNotFoundAsSuccess reports whether a 404 answer means the server is
// already in the state the operation asked for.
func TreatsNotFoundAsSuccess(kind OperationKind) bool {
	switch kind {
	case KindUnregister, KindRemoveSubscription, KindUpsertSubscription:
		return true
	default:
		return false
	}
}
