// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noThrottle() time.Duration { return 0 }

func TestSubmitRunsExecutorAndResolves(t *testing.T) {
	p := New(noThrottle, nil)
	defer p.Close()

	_, out := p.Submit(Normal, 0, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	res := <-out
	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
}

func TestPriorityOrdering(t *testing.T) {
	p := New(noThrottle, nil)
	defer p.Close()

	var mu sync.Mutex
	var order []string
	record := func(name string) Executor {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	// Hold the worker on a gated Critical request so low/normal/high all
	// land in the queue before any of them is dequeued, making the eventual
	// drain order deterministic.
	release := make(chan struct{})
	_, gateOut := p.Submit(Critical, 0, func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond)

	_, outLow := p.Submit(Low, 0, record("low"))
	_, outNormal := p.Submit(Normal, 0, record("normal"))
	_, outHigh := p.Submit(High, 0, record("high"))
	time.Sleep(20 * time.Millisecond)
	close(release)

	<-gateOut
	<-outLow
	<-outNormal
	<-outHigh

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "high", order[0])
	assert.Equal(t, "normal", order[1])
	assert.Equal(t, "low", order[2])
}

func TestFIFOWithinSamePriority(t *testing.T) {
	p := New(noThrottle, nil)
	defer p.Close()

	var mu sync.Mutex
	var order []int
	outs := make([]<-chan Outcome, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		_, out := p.Submit(Normal, 0, func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
		outs = append(outs, out)
	}
	for _, out := range outs {
		<-out
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRetryOnDequeueRetriesRetryableErrors(t *testing.T) {
	p := New(noThrottle, nil)
	defer p.Close()

	var attempts int
	_, out := p.Submit(Normal, 2, func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("device busy, try again")
		}
		return "done", nil
	})
	res := <-out
	require.NoError(t, res.Err)
	assert.Equal(t, "done", res.Value)
	assert.Equal(t, 2, attempts)
}

func TestRetryOnDequeueDoesNotRetryNonRetryableErrors(t *testing.T) {
	p := New(noThrottle, nil)
	defer p.Close()

	var attempts int
	_, out := p.Submit(Normal, 3, func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, errors.New("authentication failed")
	})
	res := <-out
	assert.Error(t, res.Err)
	assert.Equal(t, 1, attempts)
}

func TestCancelRejectsQueuedRequest(t *testing.T) {
	p := New(func() time.Duration { return 50 * time.Millisecond }, nil)
	defer p.Close()

	// Occupy the worker with a slow first request so the second stays queued.
	_, first := p.Submit(Normal, 0, func(ctx context.Context) (interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	})
	id, second := p.Submit(Normal, 0, func(ctx context.Context) (interface{}, error) {
		return "should not run", nil
	})
	time.Sleep(10 * time.Millisecond)
	assert.True(t, p.Cancel(id))

	<-first
	res := <-second
	assert.Error(t, res.Err)
}

func TestCancelReportsFalseForUnknownID(t *testing.T) {
	p := New(func() time.Duration { return 0 }, nil)
	defer p.Close()

	_, out := p.Submit(Normal, 0, func(ctx context.Context) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	assert.False(t, p.Cancel("no-such-id"))
	<-out
}

func TestClearRejectsAllQueuedRequests(t *testing.T) {
	p := New(func() time.Duration { return 50 * time.Millisecond }, nil)
	defer p.Close()

	_, first := p.Submit(Normal, 0, func(ctx context.Context) (interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	})
	_, second := p.Submit(Normal, 0, func(ctx context.Context) (interface{}, error) {
		return "should not run", nil
	})
	time.Sleep(10 * time.Millisecond)
	p.Clear()

	<-first
	res := <-second
	assert.Error(t, res.Err)
}

func TestThrottleEnforcesMinInterval(t *testing.T) {
	p := New(func() time.Duration { return 60 * time.Millisecond }, nil)
	defer p.Close()

	start := time.Now()
	_, out1 := p.Submit(Normal, 0, func(ctx context.Context) (interface{}, error) { return nil, nil })
	<-out1
	_, out2 := p.Submit(Normal, 0, func(ctx context.Context) (interface{}, error) { return nil, nil })
	<-out2
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}
