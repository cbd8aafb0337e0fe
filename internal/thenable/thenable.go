// Package thenable provides the settle-once future shared by the flight
// decoder, the module loader and the inspection cache.
//
// A reader that observes a pending Thenable gets ErrNotReady from Value.
// The caller owns the retry: register with Then or block in Wait, then
// re-invoke whatever read produced the Thenable. Nothing re-runs the read
// on the caller's behalf.
package thenable

import (
	"context"
	"errors"
	"sync"
)

// ErrNotReady is returned by reads that hit a value still in flight.
var ErrNotReady = errors.New("thenable: not ready")

type Status int

const (
	Pending Status = iota
	Fulfilled
	Rejected
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type callback struct {
	onFulfilled func(any)
	onRejected  func(error)
}

// Thenable settles exactly once to a value or a reason.
type Thenable struct {
	mu        sync.Mutex
	status    Status
	value     any
	reason    error
	callbacks []callback
	done      chan struct{}
}

func New() *Thenable {
	return &Thenable{done: make(chan struct{})}
}

// Resolved returns a Thenable already fulfilled with v.
func Resolved(v any) *Thenable {
	t := New()
	t.Resolve(v)
	return t
}

// NewRejected returns a Thenable already rejected with err.
func NewRejected(err error) *Thenable {
	t := New()
	t.Reject(err)
	return t
}

// Resolve fulfills t. It reports false if t had already settled.
func (t *Thenable) Resolve(v any) bool {
	return t.settle(Fulfilled, v, nil)
}

// Reject rejects t with err. It reports false if t had already settled.
func (t *Thenable) Reject(err error) bool {
	if err == nil {
		err = errors.New("thenable: rejected without reason")
	}
	return t.settle(Rejected, nil, err)
}

func (t *Thenable) settle(status Status, v any, reason error) bool {
	t.mu.Lock()
	if t.status != Pending {
		t.mu.Unlock()
		return false
	}
	t.status = status
	t.value = v
	t.reason = reason
	cbs := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	for _, cb := range cbs {
		run(cb, status, v, reason)
	}
	return true
}

// Then registers callbacks. Either may be nil. When t has already settled
// the matching callback runs before Then returns.
func (t *Thenable) Then(onFulfilled func(any), onRejected func(error)) {
	cb := callback{onFulfilled: onFulfilled, onRejected: onRejected}
	t.mu.Lock()
	if t.status == Pending {
		t.callbacks = append(t.callbacks, cb)
		t.mu.Unlock()
		return
	}
	status, v, reason := t.status, t.value, t.reason
	t.mu.Unlock()
	run(cb, status, v, reason)
}

func run(cb callback, status Status, v any, reason error) {
	switch status {
	case Fulfilled:
		if cb.onFulfilled != nil {
			cb.onFulfilled(v)
		}
	case Rejected:
		if cb.onRejected != nil {
			cb.onRejected(reason)
		}
	}
}

func (t *Thenable) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Value returns the settled value, the rejection reason, or ErrNotReady.
func (t *Thenable) Value() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case Fulfilled:
		return t.value, nil
	case Rejected:
		return nil, t.reason
	default:
		return nil, ErrNotReady
	}
}

// Done is closed once t settles.
func (t *Thenable) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until t settles or ctx ends.
func (t *Thenable) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.Value()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
