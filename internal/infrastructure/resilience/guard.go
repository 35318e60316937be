// Package resilience protects the slow external-engine initialization path.
//
// Engine setup is the single longest-latency operation in the core. When the
// engine is unhealthy, repeated initialization attempts only pile up latency,
// so the registry routes them through a small circuit breaker.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrGuardOpen is returned while the breaker refuses attempts.
var ErrGuardOpen = errors.New("engine initialization temporarily disabled after repeated failures")

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the guard.
type Settings struct {
	// TripAfter is the number of consecutive failures that opens the guard.
	TripAfter int
	// Cooldown is how long the guard stays open before allowing a probe.
	Cooldown time.Duration
}

// Guard is a circuit breaker for engine initialization attempts.
type Guard struct {
	settings Settings

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probeRunning bool
}

// NewGuard creates a guard with the given settings.
func NewGuard(settings Settings) *Guard {
	if settings.TripAfter <= 0 {
		settings.TripAfter = 3
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	return &Guard{settings: settings}
}

// State returns the current state, accounting for cooldown expiry.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentState(time.Now())
}

// Allow reports whether an initialization attempt may proceed.
// In half-open state only a single probe is admitted at a time.
func (g *Guard) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.currentState(time.Now()) {
	case StateOpen:
		return ErrGuardOpen
	case StateHalfOpen:
		if g.probeRunning {
			return ErrGuardOpen
		}
		g.probeRunning = true
	}
	return nil
}

// Record reports the outcome of an admitted attempt.
func (g *Guard) Record(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.currentState(time.Now())
	g.probeRunning = false

	if success {
		g.failures = 0
		g.state = StateClosed
		return
	}

	switch state {
	case StateClosed:
		g.failures++
		if g.failures >= g.settings.TripAfter {
			g.trip()
		}
	case StateHalfOpen:
		// Failed probe re-opens immediately
		g.trip()
	}
}

func (g *Guard) trip() {
	g.state = StateOpen
	g.openedAt = time.Now()
}

// currentState must be called with the lock held.
func (g *Guard) currentState(now time.Time) State {
	if g.state == StateOpen && now.Sub(g.openedAt) >= g.settings.Cooldown {
		g.state = StateHalfOpen
	}
	return g.state
}
