// SPDX-License-Identifier: MIT

// Package pipeline implements the serialized request pipeline of spec.md
// §4.7: a priority-ordered queue (higher priority first, FIFO within a
// priority), a minimum-interval rate limiter, bounded retry on dequeue,
// and cooperative cancellation. Each priority level is backed by an
// github.com/eapache/queue ring buffer, and Submit hands off onto an
// github.com/eapache/channels.InfiniteChannel so callers never block on a
// full buffer — both dependencies come from the teacher's own go.mod
// (eapache/channels was a direct require; eapache/queue was already its
// transitive dependency).
package pipeline

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/eapache/channels"
	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority orders queued requests; higher values run first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// Executor performs one request and returns its result or an error. This
// is the injected-function seam spec.md §9 calls for instead of a
// subclass override.
type Executor func(ctx context.Context) (interface{}, error)

// Request is one queued unit of work.
type Request struct {
	ID       string
	Priority Priority
	Deadline time.Time
	Retries  int
	Exec     Executor

	resultCh chan result
	seq       uint64 // FIFO tiebreak within a priority level
}

type result struct {
	value interface{}
	err   error
}

// bucket is the heap element; Go's container/heap gives us an O(log n)
// priority queue, with an eapache/queue FIFO ring buffer used per-priority
// bucket to break ties in submission order without re-sorting.
type bucket struct {
	priority Priority
	fifo     *queue.Queue
}

type bucketHeap []*bucket

func (h bucketHeap) Len() int            { return len(h) }
func (h bucketHeap) Less(i, j int) bool  { return h[i].priority > h[j].priority }
func (h bucketHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bucketHeap) Push(x interface{}) { *h = append(*h, x.(*bucket)) }
func (h *bucketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pipeline serializes requests to one device.
type Pipeline struct {
	log         *zap.Logger
	minInterval func() time.Duration

	mu          sync.Mutex
	buckets     map[Priority]*bucket
	order       bucketHeap
	seqCounter  uint64
	lastTx      time.Time
	cleared     bool
	inbox       *channels.InfiniteChannel

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// New creates a Pipeline. minInterval is called before every dequeue so
// the rate-limit floor can change dynamically (e.g. ProtocolSelector
// raising it while KLAP is active).
func New(minInterval func() time.Duration, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		log:         log,
		minInterval: minInterval,
		buckets:     make(map[Priority]*bucket),
		inbox:       channels.NewInfiniteChannel(),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	go p.drainInbox()
	go p.run()
	return p
}

// drainInbox moves submitted requests from the lock-free inbox channel
// into the priority heap, notifying the worker loop.
func (p *Pipeline) drainInbox() {
	for v := range p.inbox.Out() {
		req := v.(*Request)
		p.mu.Lock()
		if p.cleared {
			p.mu.Unlock()
			req.resultCh <- result{err: cancelErr("QueueCleared")}
			continue
		}
		b, ok := p.buckets[req.Priority]
		if !ok {
			b = &bucket{priority: req.Priority, fifo: queue.New()}
			p.buckets[req.Priority] = b
			heap.Push(&p.order, b)
		}
		b.fifo.Add(req)
		p.mu.Unlock()
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Outcome is the eventual result of a submitted request.
type Outcome struct {
	Value interface{}
	Err   error
}

// Submit enqueues a request with a fresh ID and returns a channel that
// receives its eventual Outcome.
func (p *Pipeline) Submit(priority Priority, maxRetries int, exec Executor) (string, <-chan Outcome) {
	id := uuid.New().String()
	p.mu.Lock()
	p.seqCounter++
	seq := p.seqCounter
	p.mu.Unlock()

	req := &Request{
		ID:       id,
		Priority: priority,
		Retries:  maxRetries,
		Exec:     exec,
		resultCh: make(chan result, 1),
		seq:      seq,
	}
	out := make(chan Outcome, 1)
	go func() {
		r := <-req.resultCh
		out <- Outcome{Value: r.value, Err: r.err}
	}()
	p.inbox.In() <- req
	return id, out
}

type cancelErr string

func (e cancelErr) Error() string { return string(e) }

// Cancel rejects a still-queued request with Cancelled, reporting whether
// id was actually found and removed. It has no effect on an in-flight
// request.
func (p *Pipeline) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for _, b := range p.order {
		n := b.fifo.Length()
		for i := 0; i < n; i++ {
			v := b.fifo.Remove()
			req := v.(*Request)
			if req.ID == id {
				req.resultCh <- result{err: cancelErr("Cancelled")}
				found = true
				continue
			}
			b.fifo.Add(req)
		}
	}
	return found
}

// Clear rejects every queued request with QueueCleared and halts further
// processing until a new Pipeline is created — mirrors Device.disconnect()
// clearing the queue in spec.md §5.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = true
	for _, b := range p.order {
		n := b.fifo.Length()
		for i := 0; i < n; i++ {
			v := b.fifo.Remove()
			req := v.(*Request)
			req.resultCh <- result{err: cancelErr("QueueCleared")}
		}
	}
}

// Close stops the worker loop permanently.
func (p *Pipeline) Close() {
	p.once.Do(func() { close(p.stop) })
}

func (p *Pipeline) dequeue() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.order.Len() > 0 {
		top := p.order[0]
		if top.fifo.Length() == 0 {
			heap.Pop(&p.order)
			delete(p.buckets, top.priority)
			continue
		}
		v := top.fifo.Remove()
		if top.fifo.Length() == 0 {
			heap.Pop(&p.order)
			delete(p.buckets, top.priority)
		}
		return v.(*Request)
	}
	return nil
}

// run is the worker loop: dequeue -> enforce rate limit -> execute ->
// resolve/reject/retry.
func (p *Pipeline) run() {
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		for {
			req := p.dequeue()
			if req == nil {
				break
			}
			p.throttle()
			ctx := context.Background()
			val, err := req.Exec(ctx)
			if err != nil && req.Retries > 0 && isRetryable(err) {
				req.Retries--
				p.mu.Lock()
				b, ok := p.buckets[req.Priority]
				if !ok {
					b = &bucket{priority: req.Priority, fifo: queue.New()}
					p.buckets[req.Priority] = b
					heap.Push(&p.order, b)
				}
				b.fifo.Add(req)
				p.mu.Unlock()
				continue
			}
			req.resultCh <- result{value: val, err: err}
		}
	}
}

// nonRetryableSubstrings, spec.md §4.7.
var nonRetryableSubstrings = []string{
	"authentication failed",
	"invalid credentials",
	"device not found",
	"permission denied",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

func (p *Pipeline) throttle() {
	interval := p.minInterval()
	p.mu.Lock()
	last := p.lastTx
	p.mu.Unlock()
	if !last.IsZero() {
		if wait := interval - time.Since(last); wait > 0 {
			time.Sleep(wait)
		}
	}
	p.mu.Lock()
	p.lastTx = time.Now()
	p.mu.Unlock()
}
