// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"strings"
	"time"
)

// Strategy is a retry backoff shape, spec.md §4.9.
type Strategy int

const (
	StrategyFixed Strategy = iota
	StrategyLinear
	StrategyExponential
)

// Category is a named retry policy bucket, spec.md §4.9.
type Category struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	Strategy    Strategy
}

// Default categories, spec.md §4.9.
var (
	CategoryDeviceControl = Category{Name: "device_control", MaxAttempts: 3, BaseDelay: 3000 * time.Millisecond, Strategy: StrategyLinear}
	CategoryInfoRetrieval = Category{Name: "info_retrieval", MaxAttempts: 2, BaseDelay: 1000 * time.Millisecond, Strategy: StrategyFixed}
	CategoryEnergy        = Category{Name: "energy_monitoring", MaxAttempts: 2, BaseDelay: 1500 * time.Millisecond, Strategy: StrategyFixed}
)

func (c Category) delay(attempt int) time.Duration {
	switch c.Strategy {
	case StrategyLinear:
		return c.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		d := c.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	default: // StrategyFixed
		return c.BaseDelay
	}
}

// busySubstrings/sessionSubstrings match both the raw wire phrasing (e.g. a
// klap.RemoteError's Error() text) and this module's classified *tapo.Error
// rendering (Kind.String() lowercased, e.g. "devicebusy"), since Run sees
// whichever one the caller's Executor returns.
var busySubstrings = []string{"klap -1012", "device busy", "command timing issue", "devicebusy"}
var sessionSubstrings = []string{"klap 1002", "session expired", "invalid terminal uuid", "sessionexpired"}

func isBusyError(err error) bool {
	return matchesAny(err, busySubstrings)
}

func isSessionError(err error) bool {
	return matchesAny(err, sessionSubstrings)
}

func matchesAny(err error, substrings []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Rehandshake re-establishes a session. Supplied by the Device façade so
// the RetryEngine never imports the protocol packages directly.
type Rehandshake func(ctx context.Context) error

// Run executes fn under category's retry policy. On a busy error it
// retries after category's delay. On a session error it invalidates the
// session via rehandshake and retries once more against the fresh session.
// Any other error is propagated immediately.
func Run(ctx context.Context, category Category, rehandshake Rehandshake, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error
	rehandshaked := false
	for attempt := 1; attempt <= category.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if isSessionError(err) && !rehandshaked {
			rehandshaked = true
			if rhErr := rehandshake(ctx); rhErr != nil {
				return nil, rhErr
			}
			continue
		}
		if isBusyError(err) && attempt < category.MaxAttempts {
			select {
			case <-time.After(category.delay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		if !isBusyError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}
