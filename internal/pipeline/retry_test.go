// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBusyCategory = Category{Name: "test_busy", MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, Strategy: StrategyFixed}

func noopRehandshake(ctx context.Context) error { return nil }

func TestRunSucceedsWithoutRetry(t *testing.T) {
	val, err := Run(context.Background(), CategoryInfoRetrieval, noopRehandshake, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestRunRetriesBusyErrorUntilSuccess(t *testing.T) {
	var attempts int
	val, err := Run(context.Background(), fastBusyCategory, noopRehandshake, func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("DeviceBusy(-1012): device reported busy")
		}
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", val)
	assert.Equal(t, 2, attempts)
}

func TestRunRehandshakesOnSessionError(t *testing.T) {
	var attempts int
	var rehandshakeCalls int
	rehandshake := func(ctx context.Context) error {
		rehandshakeCalls++
		return nil
	}
	val, err := Run(context.Background(), CategoryInfoRetrieval, rehandshake, func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("SessionExpired(1002): session expired")
		}
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", val)
	assert.Equal(t, 1, rehandshakeCalls)
}

func TestRunPropagatesTerminalErrorImmediately(t *testing.T) {
	var attempts int
	_, err := Run(context.Background(), CategoryDeviceControl, noopRehandshake, func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, errors.New("authentication failed")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRunStopsAfterMaxAttemptsOnPersistentBusy(t *testing.T) {
	var attempts int
	_, err := Run(context.Background(), fastBusyCategory, noopRehandshake, func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, errors.New("device busy")
	})
	assert.Error(t, err)
	assert.Equal(t, fastBusyCategory.MaxAttempts, attempts)
}

func TestRunPropagatesRehandshakeFailure(t *testing.T) {
	rehandshakeErr := errors.New("rehandshake refused")
	rehandshake := func(ctx context.Context) error { return rehandshakeErr }
	_, err := Run(context.Background(), CategoryInfoRetrieval, rehandshake, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("session expired")
	})
	assert.ErrorIs(t, err, rehandshakeErr)
}

func TestCategoryDelayStrategies(t *testing.T) {
	assert.Equal(t, CategoryInfoRetrieval.BaseDelay, CategoryInfoRetrieval.delay(2))

	linear := Category{BaseDelay: 1 * time.Second, Strategy: StrategyLinear}
	assert.Equal(t, 2*time.Second, linear.delay(2))

	exp := Category{BaseDelay: 1 * time.Second, Strategy: StrategyExponential}
	assert.Equal(t, 4*time.Second, exp.delay(3))
}
