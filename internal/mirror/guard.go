package mirror

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrIndexUnavailable is returned by every query once the circuit is open.
// It is deliberately distinct from an empty result set: upstream HTTP
// handling must translate it to a 503, never a 500 or an empty page.
var ErrIndexUnavailable = errors.New("mirror: query index unavailable (circuit open)")

// DefaultMaxErrors is the consecutive-failure threshold that opens the
// circuit when no explicit limit is configured.
const DefaultMaxErrors = 5

// Guard tracks the health of the query mirror and stops calls once the
// underlying index looks structurally broken.
//
// The circuit opens after MaxErrors consecutive failures and stays open for
// the remainder of the process lifetime. There is no half-open retry: a
// corrupted index or missing storage engine needs an operator or a restart,
// not backoff.
type Guard struct {
	mu sync.Mutex

	maxErrors         int
	consecutiveErrors int
	errorCount        int
	circuitOpen       bool
	degraded          bool
	lastError         string
	lastErrorAt       time.Time
	lastSuccessAt     time.Time
}

// NewGuard creates a guard with the given threshold (<= 0 selects
// DefaultMaxErrors).
func NewGuard(maxErrors int) *Guard {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &Guard{maxErrors: maxErrors}
}

// Usable reports whether mirror operations may proceed.
func (g *Guard) Usable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.circuitOpen
}

// MarkSuccess records a successful mirror operation. It clears the
// consecutive-failure streak but never reopens a tripped circuit.
func (g *Guard) MarkSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.circuitOpen {
		return
	}
	g.consecutiveErrors = 0
	g.degraded = false
	g.lastSuccessAt = time.Now()
}

// MarkFailure records a failed mirror operation and trips the circuit once
// the consecutive-failure threshold is reached.
func (g *Guard) MarkFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errorCount++
	g.consecutiveErrors++
	g.degraded = true
	if err != nil {
		g.lastError = err.Error()
	}
	g.lastErrorAt = time.Now()
	if g.consecutiveErrors >= g.maxErrors {
		g.circuitOpen = true
	}
}

// State is a point-in-time snapshot of the guard, consumed by the
// operational metrics surface.
type State struct {
	Enabled           bool      `json:"enabled"`
	Mode              string    `json:"mode"`
	Healthy           bool      `json:"healthy"`
	Degraded          bool      `json:"degraded"`
	CircuitOpen       bool      `json:"circuitOpen"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	ErrorCount        int       `json:"errorCount"`
	MaxErrors         int       `json:"maxErrors"`
	LastError         string    `json:"lastError,omitempty"`
	LastErrorAt       time.Time `json:"lastErrorAt,omitzero"`
	LastSuccessAt     time.Time `json:"lastSuccessAt,omitzero"`
}

// Snapshot returns the current circuit state. Mode is filled in by the
// owning mirror.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Enabled:           true,
		Healthy:           !g.circuitOpen && !g.degraded,
		Degraded:          g.degraded && !g.circuitOpen,
		CircuitOpen:       g.circuitOpen,
		ConsecutiveErrors: g.consecutiveErrors,
		ErrorCount:        g.errorCount,
		MaxErrors:         g.maxErrors,
		LastError:         g.lastError,
		LastErrorAt:       g.lastErrorAt,
		LastSuccessAt:     g.lastSuccessAt,
	}
}

// String summarizes the guard for logs.
func (g *Guard) String() string {
	s := g.Snapshot()
	switch {
	case s.CircuitOpen:
		return fmt.Sprintf("circuit open after %d errors (last: %s)", s.ErrorCount, s.LastError)
	case s.Degraded:
		return fmt.Sprintf("degraded (%d/%d consecutive errors)", s.ConsecutiveErrors, s.MaxErrors)
	default:
		return "healthy"
	}
}
