// SPDX-License-Identifier: MIT

// Package session implements the device-lifecycle state machine described
// in spec.md §4.6: Disconnected/Connecting/Connected/Expired/Error, with
// anticipatory refresh throttling (only one refresh in flight; concurrent
// callers await it) and exponential-backoff retry on refresh failure.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one node of the device lifecycle state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Expired
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Expired:
		return "Expired"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Default lifetime/threshold constants, spec.md §4.6 and §6.
const (
	DefaultLifetime         = 30 * time.Minute
	DefaultRefreshThreshold = 5 * time.Minute
	maxRefreshAttempts      = 3
)

var refreshBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// RefreshFunc performs one handshake/re-handshake attempt and returns the
// new expiry instant.
type RefreshFunc func(ctx context.Context) (time.Time, error)

// Manager owns one device's session state machine.
type Manager struct {
	log              *zap.Logger
	lifetime         time.Duration
	refreshThreshold time.Duration

	mu         sync.Mutex
	state      State
	expiresAt  time.Time
	refreshing chan struct{} // non-nil while a refresh is in flight
}

// New creates a Manager in the Disconnected state.
func New(lifetime, refreshThreshold time.Duration, log *zap.Logger) *Manager {
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}
	if refreshThreshold == 0 {
		refreshThreshold = DefaultRefreshThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log, lifetime: lifetime, refreshThreshold: refreshThreshold, state: Disconnected}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Valid reports the invariant from spec.md §3: Connected, not expired, and
// the underlying protocol (tracked by the caller) is supported.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected && time.Now().Before(m.expiresAt)
}

// MarkConnecting transitions Disconnected/Expired/Error -> Connecting.
func (m *Manager) MarkConnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Connecting
}

// MarkConnected transitions -> Connected with the given expiry.
func (m *Manager) MarkConnected(expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Connected
	m.expiresAt = expiresAt
}

// MarkError transitions -> Error.
func (m *Manager) MarkError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Error
}

// MarkDisconnected transitions -> Disconnected, e.g. on Device.Disconnect().
func (m *Manager) MarkDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Disconnected
}

// Invalidate marks the session Expired so the next operation triggers a
// re-handshake, per spec.md §7's "invalidate" session impact.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Connected {
		m.state = Expired
	}
}

// NeedsRefresh reports spec.md §4.6's needs_refresh predicate.
func (m *Manager) NeedsRefresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return false
	}
	return time.Now().Add(m.refreshThreshold).After(m.expiresAt) || time.Now().Add(m.refreshThreshold).Equal(m.expiresAt)
}

// RefreshIfNeeded runs fn if NeedsRefresh(), ensuring only one refresh is
// in flight: concurrent callers await the same attempt rather than racing
// a second handshake. It makes up to maxRefreshAttempts attempts in total,
// waiting 1s and then 2s between them, before transitioning to Error.
func (m *Manager) RefreshIfNeeded(ctx context.Context, fn RefreshFunc) error {
	m.mu.Lock()
	if m.state != Expired && !m.needsRefreshLocked() {
		m.mu.Unlock()
		return nil
	}
	if ch := m.refreshing; ch != nil {
		m.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	m.refreshing = ch
	m.state = Connecting
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxRefreshAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(refreshBackoff[attempt-1]):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break
			}
		}
		expiry, err := fn(ctx)
		if err == nil {
			m.mu.Lock()
			m.state = Connected
			m.expiresAt = expiry
			m.refreshing = nil
			m.mu.Unlock()
			close(ch)
			return nil
		}
		lastErr = err
		m.log.Debug("session refresh attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	m.mu.Lock()
	m.state = Error
	m.refreshing = nil
	m.mu.Unlock()
	close(ch)
	return fmt.Errorf("session refresh failed after %d attempts: %w", maxRefreshAttempts, lastErr)
}

func (m *Manager) needsRefreshLocked() bool {
	if m.state != Connected {
		return false
	}
	return !time.Now().Add(m.refreshThreshold).Before(m.expiresAt)
}
