// Package pool implements a bounded pool of interchangeable workers with
// FIFO-fair acquisition. The pipeline checks an analyzer out per thread,
// runs the classification, and returns it; waiters queue in arrival order
// when every worker is busy.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrReset is returned to pending Acquire calls when the pool is reset.
var ErrReset = errors.New("pool: reset while waiting for a worker")

// ErrNoWorkers is returned by Drain when waiters are queued against a pool
// that has no workers at all. That state can never clear on its own, so it
// is reported instead of hanging.
var ErrNoWorkers = errors.New("pool: waiters queued but pool has no workers")

// Pool is a bounded pool of workers of type T. All methods are safe for
// concurrent use.
type Pool[T comparable] struct {
	mu        sync.Mutex
	available []T
	busy      map[T]bool
	waiting   []chan waiterResult[T] // FIFO
	idle      *sync.Cond             // broadcast when the pool goes fully idle
}

type waiterResult[T comparable] struct {
	worker T
	err    error
}

// New creates a pool seeded with the given workers.
func New[T comparable](workers []T) *Pool[T] {
	p := &Pool[T]{
		available: append([]T(nil), workers...),
		busy:      make(map[T]bool),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Acquire checks a worker out of the pool. If none is available the caller
// is queued and unblocked in FIFO order as workers are released. Acquire
// honors ctx cancellation while queued.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if n := len(p.available); n > 0 {
		w := p.available[0]
		p.available = p.available[1:]
		p.busy[w] = true
		p.mu.Unlock()
		return w, nil
	}

	// Buffered so Release/Reset never block handing over a result, even if
	// the waiter has already abandoned the acquire.
	ch := make(chan waiterResult[T], 1)
	p.waiting = append(p.waiting, ch)
	p.mu.Unlock()

	select {
	case res := <-ch:
		return res.worker, res.err
	case <-ctx.Done():
		p.removeWaiter(ch)
		// A release may have raced the cancellation; if a worker was already
		// handed to us, put it back.
		select {
		case res := <-ch:
			if res.err == nil {
				p.Release(res.worker)
			}
		default:
		}
		return zero, ctx.Err()
	}
}

// Release returns a checked-out worker to the pool. If waiters are queued
// the worker is handed directly to the oldest one without re-entering the
// available set, preserving FIFO fairness. Releasing a worker that was not
// checked out is logged and ignored.
func (p *Pool[T]) Release(w T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.busy[w] {
		slog.Warn("pool: release of worker that was not checked out")
		return
	}

	if len(p.waiting) > 0 {
		ch := p.waiting[0]
		p.waiting = p.waiting[1:]
		ch <- waiterResult[T]{worker: w}
		return
	}

	delete(p.busy, w)
	p.available = append(p.available, w)
	if len(p.busy) == 0 {
		p.idle.Broadcast()
	}
}

// Reset forcibly returns every busy worker to the available set and fails
// all pending Acquire calls with ErrReset. Used to unblock a stuck pipeline.
func (p *Pool[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for w := range p.busy {
		p.available = append(p.available, w)
		delete(p.busy, w)
	}
	for _, ch := range p.waiting {
		ch <- waiterResult[T]{err: ErrReset}
	}
	p.waiting = nil
	p.idle.Broadcast()
}

// Drain blocks until no workers are checked out and no waiters are queued.
// It fails immediately with ErrNoWorkers if waiters exist on a zero-worker
// pool, since that can only be a misconfiguration.
func (p *Pool[T]) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.busy) > 0 || len(p.waiting) > 0 {
		if len(p.available)+len(p.busy) == 0 && len(p.waiting) > 0 {
			return ErrNoWorkers
		}
		p.idle.Wait()
	}
	return nil
}

// Stats reports the current pool occupancy.
func (p *Pool[T]) Stats() (available, busy, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.busy), len(p.waiting)
}

func (p *Pool[T]) removeWaiter(ch chan waiterResult[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.waiting {
		if c == ch {
			p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
			return
		}
	}
}
