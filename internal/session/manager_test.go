// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStartsDisconnected(t *testing.T) {
	m := New(0, 0, nil)
	assert.Equal(t, Disconnected, m.State())
	assert.False(t, m.Valid())
}

func TestMarkConnectedIsValidUntilExpiry(t *testing.T) {
	m := New(0, 0, nil)
	m.MarkConnecting()
	assert.Equal(t, Connecting, m.State())

	m.MarkConnected(time.Now().Add(time.Hour))
	assert.True(t, m.Valid())
	assert.Equal(t, Connected, m.State())
}

func TestInvalidateOnlyAffectsConnected(t *testing.T) {
	m := New(0, 0, nil)
	m.Invalidate() // no-op while Disconnected
	assert.Equal(t, Disconnected, m.State())

	m.MarkConnected(time.Now().Add(time.Hour))
	m.Invalidate()
	assert.Equal(t, Expired, m.State())
}

func TestNeedsRefreshWithinThreshold(t *testing.T) {
	m := New(time.Hour, 5*time.Minute, nil)
	m.MarkConnected(time.Now().Add(time.Minute))
	assert.True(t, m.NeedsRefresh())

	m.MarkConnected(time.Now().Add(time.Hour))
	assert.False(t, m.NeedsRefresh())
}

func TestRefreshIfNeededSkipsWhenFresh(t *testing.T) {
	m := New(time.Hour, 5*time.Minute, nil)
	m.MarkConnected(time.Now().Add(time.Hour))

	called := false
	err := m.RefreshIfNeeded(context.Background(), func(ctx context.Context) (time.Time, error) {
		called = true
		return time.Now(), nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestRefreshIfNeededSucceedsOnFirstAttempt(t *testing.T) {
	m := New(time.Hour, 5*time.Minute, nil)
	m.MarkConnected(time.Now().Add(time.Minute))

	newExpiry := time.Now().Add(time.Hour)
	err := m.RefreshIfNeeded(context.Background(), func(ctx context.Context) (time.Time, error) {
		return newExpiry, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Connected, m.State())
	assert.True(t, m.Valid())
}

func TestRefreshIfNeededGoesToErrorAfterExhaustingAttempts(t *testing.T) {
	m := New(time.Hour, 5*time.Minute, nil)
	m.MarkConnected(time.Now().Add(time.Minute))

	boom := errors.New("handshake refused")
	err := m.RefreshIfNeeded(context.Background(), func(ctx context.Context) (time.Time, error) {
		return time.Time{}, boom
	})
	require.Error(t, err)
	assert.Equal(t, Error, m.State())
}

func TestRefreshIfNeededInvalidatedStateAlwaysRefreshes(t *testing.T) {
	m := New(time.Hour, 5*time.Minute, nil)
	m.MarkConnected(time.Now().Add(time.Hour))
	m.Invalidate()
	require.Equal(t, Expired, m.State())

	called := false
	err := m.RefreshIfNeeded(context.Background(), func(ctx context.Context) (time.Time, error) {
		called = true
		return time.Now().Add(time.Hour), nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, Connected, m.State())
}

func TestConcurrentRefreshIfNeededSingleFlights(t *testing.T) {
	m := New(time.Hour, 5*time.Minute, nil)
	m.MarkConnected(time.Now().Add(time.Minute))

	var callCount int
	release := make(chan struct{})
	fn := func(ctx context.Context) (time.Time, error) {
		callCount++
		<-release
		return time.Now().Add(time.Hour), nil
	}

	done := make(chan error, 2)
	go func() { done <- m.RefreshIfNeeded(context.Background(), fn) }()
	time.Sleep(20 * time.Millisecond) // let the first call start and claim refreshing
	go func() { done <- m.RefreshIfNeeded(context.Background(), fn) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, 1, callCount)
}
