// Package connstate implements the connection-state machine (C8): it turns
// each poll result into a healthy/degraded/disconnected status and exposes
// the backoff the poller should apply.
package connstate

import "sync"

// Status is the externally exposed connection status.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
)

const (
	maxRateLimitStep = 3
	rateLimitStepMs  = 5000
)

// RefreshResult is what one poll cycle reports back to the machine.
type RefreshResult struct {
	OK          bool
	Status      int
	AuthError   bool
	RateLimited bool
}

// Machine tracks connection health across refresh results. Safe for
// concurrent use.
type Machine struct {
	mu sync.Mutex

	hasToken      bool
	connected     bool
	authBlocked   bool
	rateLimitStep int
}

func NewMachine() *Machine {
	return &Machine{}
}

// SetToken records whether a token is currently configured, resetting all
// derived state — changing the token starts the machine fresh.
func (m *Machine) SetToken(hasToken bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasToken = hasToken
	m.connected = false
	m.authBlocked = false
	m.rateLimitStep = 0
}

// Observe applies one refresh result's transition per §4.8.
func (m *Machine) Observe(r RefreshResult) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !r.OK && r.AuthError:
		m.authBlocked = true
	case !r.OK && r.RateLimited:
		if m.rateLimitStep < maxRateLimitStep {
			m.rateLimitStep++
		}
		m.connected = true
	case !r.OK:
		m.connected = false
	default:
		m.connected = true
		m.authBlocked = false
		m.rateLimitStep = 0
	}

	return m.statusLocked()
}

// Reconnect clears the auth-block so the next poll can retry.
func (m *Machine) Reconnect() {
	m.mu.Lock()
	m.authBlocked = false
	m.mu.Unlock()
}

// PollBackoffMs is the additional delay the poller should add to its
// 1000ms base tick while a rate-limit backoff is in effect.
func (m *Machine) PollBackoffMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.rateLimitStep) * rateLimitStepMs
}

// ConnectionStatus recomputes the exposed status without an observation.
func (m *Machine) ConnectionStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Machine) statusLocked() Status {
	if !m.hasToken || m.authBlocked {
		return StatusDisconnected
	}
	if m.connected && m.rateLimitStep > 0 {
		return StatusDegraded
	}
	if m.connected {
		return StatusHealthy
	}
	return StatusDegraded
}
