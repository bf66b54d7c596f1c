// SPDX-License-Identifier: MIT

// Package protocolselect implements the health-tracking protocol chooser
// described in spec.md §4.5: try the preferred protocol, fall back on
// failure, and disable a protocol after repeated errors. The Selector does
// no probing of its own and has no probe hook: callers run the handshake
// themselves and report the outcome through RecordSuccess/RecordError.
package protocolselect

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind identifies one of the two mutually exclusive wire protocols.
type Kind int

const (
	KLAP Kind = iota
	Passthrough
)

func (k Kind) String() string {
	if k == KLAP {
		return "KLAP"
	}
	return "Passthrough"
}

// Info is the observable state of one registered protocol.
type Info struct {
	Kind             Kind
	Supported        bool
	Priority         int // lower is preferred
	LastUsed         time.Time
	ConsecutiveError int
}

const (
	unhealthyThreshold = 3 // consecutive errors before "unhealthy"
	disableThreshold   = 5 // consecutive errors before permanently disabled
)

// Selector tracks protocol health for one device and chooses which
// protocol the next request should use.
type Selector struct {
	mu        sync.Mutex
	infos     map[Kind]*Info
	active    Kind
	hasActive bool
	fallback  bool
}

// New registers KLAP (priority 1, preferred) and Passthrough (priority 2),
// per spec.md §4.5.
func New(enableFallback bool) *Selector {
	return &Selector{
		infos: map[Kind]*Info{
			KLAP:        {Kind: KLAP, Supported: true, Priority: 1},
			Passthrough: {Kind: Passthrough, Supported: true, Priority: 2},
		},
		fallback: enableFallback,
	}
}

func (s *Selector) healthyLocked(k Kind) bool {
	i := s.infos[k]
	return i.Supported && i.ConsecutiveError < unhealthyThreshold
}

// ErrNoProtocolAvailable is returned when no registered protocol is both
// supported and healthy (or fallback is disabled).
var ErrNoProtocolAvailable = fmt.Errorf("no protocol available")

// Select returns the protocol the next request should attempt.
func (s *Selector) Select(preferred Kind) (Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasActive && s.healthyLocked(s.active) {
		return s.active, nil
	}
	if s.healthyLocked(preferred) {
		return preferred, nil
	}
	if !s.fallback {
		return 0, ErrNoProtocolAvailable
	}
	candidates := make([]*Info, 0, len(s.infos))
	for _, i := range s.infos {
		if i.Kind != preferred && s.healthyLocked(i.Kind) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, ErrNoProtocolAvailable
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].Priority < candidates[b].Priority })
	return candidates[0].Kind, nil
}

// RecordSuccess marks k as the active protocol and resets its error
// counter.
func (s *Selector) RecordSuccess(k Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.infos[k]
	i.ConsecutiveError = 0
	i.LastUsed = time.Now()
	s.active = k
	s.hasActive = true
}

// RecordError increments k's consecutive error count, disabling it
// permanently past disableThreshold, and clears the active slot if k was
// active so the next Select re-evaluates from scratch.
func (s *Selector) RecordError(k Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.infos[k]
	i.ConsecutiveError++
	if i.ConsecutiveError >= disableThreshold {
		i.Supported = false
	}
	if s.hasActive && s.active == k {
		s.hasActive = false
	}
}

// ResetErrors re-enables both protocols and clears their error counters,
// per spec.md §4.5 reset_errors.
func (s *Selector) ResetErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.infos {
		i.Supported = true
		i.ConsecutiveError = 0
	}
	s.hasActive = false
}

// Info returns a snapshot of k's tracked state.
func (s *Selector) Info(k Kind) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.infos[k]
}

// klapMinRequestInterval is spec.md §4.5/§6's rate-limit floor while KLAP
// is the active protocol: the caller-configured floor is raised to this
// value, never lowered past it.
const klapMinRequestInterval = 200 * time.Millisecond

// MinRequestInterval returns the rate-limit floor the pipeline should
// throttle to: base (the caller-configured minimum, spec.md §6's
// min_request_interval, 100ms by default) while Passthrough is active,
// raised to klapMinRequestInterval while KLAP is active.
func (s *Selector) MinRequestInterval(base time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasActive && s.active == KLAP && klapMinRequestInterval > base {
		return klapMinRequestInterval
	}
	return base
}
