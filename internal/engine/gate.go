package engine

import "sync"

// RegistrationGate lets at most one device registration run at a time.
type RegistrationGate struct {
	mu       sync.Mutex
	inFlight bool
}

// Begin marks a registration as in flight. A false result means another one
// is running and the caller must back off without side effects.
func (g *RegistrationGate) Begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight {
		return false
	}
	g.inFlight = true
	return true
}

func (g *RegistrationGate) Finish() {
	g.mu.Lock()
	g.inFlight = false
	g.mu.Unlock()
}
