// SPDX-License-Identifier: MIT

package tapo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tapolan/tapo/internal/protocolselect"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, protocolselect.KLAP, cfg.preferredProtocol)
	assert.True(t, cfg.enableFallback)
	assert.True(t, cfg.throwOnUnsupported)
	assert.Equal(t, 10*time.Second, cfg.connectionTimeout)
	assert.Equal(t, 15*time.Second, cfg.handshakeTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.minRequestInterval)
}

func TestWithHandshakeTimeout(t *testing.T) {
	cfg := defaultConfig()
	WithHandshakeTimeout(20 * time.Second)(&cfg)
	assert.Equal(t, 20*time.Second, cfg.handshakeTimeout)
}

func TestWithMinRequestInterval(t *testing.T) {
	cfg := defaultConfig()
	WithMinRequestInterval(250 * time.Millisecond)(&cfg)
	assert.Equal(t, 250*time.Millisecond, cfg.minRequestInterval)
}

func TestWithPreferredProtocol(t *testing.T) {
	cfg := defaultConfig()
	WithPreferredProtocol(false)(&cfg)
	assert.Equal(t, protocolselect.Passthrough, cfg.preferredProtocol)
	WithPreferredProtocol(true)(&cfg)
	assert.Equal(t, protocolselect.KLAP, cfg.preferredProtocol)
}

func TestWithThrowOnUnsupported(t *testing.T) {
	cfg := defaultConfig()
	WithThrowOnUnsupported(false)(&cfg)
	assert.False(t, cfg.throwOnUnsupported)
}

func TestWithLoggerNilBecomesNop(t *testing.T) {
	cfg := defaultConfig()
	WithLogger(nil)(&cfg)
	assert.NotNil(t, cfg.log)
}

func TestFromEnvOverridesWhenSet(t *testing.T) {
	t.Setenv("TAPO_CONNECTION_TIMEOUT_MS", "5000")
	t.Setenv("TAPO_HANDSHAKE_TIMEOUT_MS", "20000")
	t.Setenv("TAPO_MIN_REQUEST_INTERVAL_MS", "250")
	t.Setenv("TAPO_SESSION_LIFETIME_MS", "")

	cfg := defaultConfig()
	for _, o := range FromEnv() {
		o(&cfg)
	}
	assert.Equal(t, 5*time.Second, cfg.connectionTimeout)
	assert.Equal(t, 20*time.Second, cfg.handshakeTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.minRequestInterval)
}

func TestFromEnvIgnoresUnsetVariables(t *testing.T) {
	opts := FromEnv()
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	assert.Equal(t, defaultConfig().connectionTimeout, cfg.connectionTimeout)
}
