// SPDX-License-Identifier: MIT

package tapo

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tapolan/tapo/internal/protocolselect"
	"github.com/tapolan/tapo/internal/transport"
)

// config holds the values spec.md §6 lists as recognized configuration,
// plus the logger injected by the caller. It is built by applying Options
// over defaultConfig and optionally FromEnv.
type config struct {
	connectionTimeout  time.Duration
	handshakeTimeout   time.Duration
	minRequestInterval time.Duration
	preferredProtocol  protocolselect.Kind
	enableFallback     bool
	sessionLifetime    time.Duration
	refreshThreshold   time.Duration
	deviceCacheTTL     time.Duration
	infoCacheTTL       time.Duration
	throwOnUnsupported bool
	log                *zap.Logger
}

func defaultConfig() config {
	return config{
		connectionTimeout:  10 * time.Second,
		handshakeTimeout:   transport.DefaultHandshakeTimeout,
		minRequestInterval: 100 * time.Millisecond,
		preferredProtocol:  protocolselect.KLAP,
		enableFallback:     true,
		sessionLifetime:    1_800_000 * time.Millisecond,
		refreshThreshold:   300_000 * time.Millisecond,
		deviceCacheTTL:     300_000 * time.Millisecond,
		infoCacheTTL:       30_000 * time.Millisecond,
		throwOnUnsupported: true,
		log:                zap.NewNop(),
	}
}

// Option configures a Device at construction time, functional-options
// style.
type Option func(*config)

// WithConnectionTimeout overrides the per-HTTP-call timeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *config) { c.connectionTimeout = d }
}

// WithHandshakeTimeout overrides spec.md §5's handshake-phase timeout
// (klap handshake1/handshake2, passthrough Handshake/Login), distinct from
// the ordinary per-request timeout set by WithConnectionTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) { c.handshakeTimeout = d }
}

// WithMinRequestInterval overrides the rate-limit floor.
func WithMinRequestInterval(d time.Duration) Option {
	return func(c *config) { c.minRequestInterval = d }
}

// WithPreferredProtocol overrides the initial protocol attempt.
func WithPreferredProtocol(preferKLAP bool) Option {
	return func(c *config) {
		if preferKLAP {
			c.preferredProtocol = protocolselect.KLAP
		} else {
			c.preferredProtocol = protocolselect.Passthrough
		}
	}
}

// WithFallback toggles whether an alternative protocol may be attempted.
func WithFallback(enabled bool) Option {
	return func(c *config) { c.enableFallback = enabled }
}

// WithSessionLifetime overrides the default expiry horizon.
func WithSessionLifetime(d time.Duration) Option {
	return func(c *config) { c.sessionLifetime = d }
}

// WithRefreshThreshold overrides the anticipatory refresh window.
func WithRefreshThreshold(d time.Duration) Option {
	return func(c *config) { c.refreshThreshold = d }
}

// WithThrowOnUnsupported controls whether calling a capability-gated
// operation the device doesn't support returns a FeatureNotSupported
// *Error (the default, true) or silently no-ops with a nil/zero result.
func WithThrowOnUnsupported(enabled bool) Option {
	return func(c *config) { c.throwOnUnsupported = enabled }
}

// WithLogger injects a *zap.Logger; nil is treated as zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log == nil {
			log = zap.NewNop()
		}
		c.log = log
	}
}

// envDurationMS reads an environment variable as a millisecond duration.
func envDurationMS(name string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// FromEnv builds Options from the environment variables spec.md §4.2/§6
// allows as overrides: TAPO_CONNECTION_TIMEOUT_MS, TAPO_HANDSHAKE_TIMEOUT_MS,
// TAPO_MIN_REQUEST_INTERVAL_MS, TAPO_SESSION_LIFETIME_MS,
// TAPO_REFRESH_THRESHOLD_MS (all in milliseconds).
func FromEnv() []Option {
	d := defaultConfig()
	var opts []Option
	if t := envDurationMS("TAPO_CONNECTION_TIMEOUT_MS", d.connectionTimeout); t != d.connectionTimeout {
		opts = append(opts, WithConnectionTimeout(t))
	}
	if t := envDurationMS("TAPO_HANDSHAKE_TIMEOUT_MS", d.handshakeTimeout); t != d.handshakeTimeout {
		opts = append(opts, WithHandshakeTimeout(t))
	}
	if t := envDurationMS("TAPO_MIN_REQUEST_INTERVAL_MS", d.minRequestInterval); t != d.minRequestInterval {
		opts = append(opts, WithMinRequestInterval(t))
	}
	if t := envDurationMS("TAPO_SESSION_LIFETIME_MS", d.sessionLifetime); t != d.sessionLifetime {
		opts = append(opts, WithSessionLifetime(t))
	}
	if t := envDurationMS("TAPO_REFRESH_THRESHOLD_MS", d.refreshThreshold); t != d.refreshThreshold {
		opts = append(opts, WithRefreshThreshold(t))
	}
	return opts
}
