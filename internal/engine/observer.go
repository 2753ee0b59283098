package engine

import "pushattest/internal/domain"

// Observer receives every state transition synchronously. Implementations
// must not block.
type Observer interface {
	OnTransition(t domain.Transition)
}

type ObserverFunc func(t domain.Transition)

func (f ObserverFunc) OnTransition(t domain.Transition) { f(t) }
