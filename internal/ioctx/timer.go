package ioctx

import (
	"sync"
	"time"

	"branchnet/internal/result"
)

// Timer is a one-shot timer whose handler runs on its Context.
type Timer struct {
	c      *Context
	mu     sync.Mutex
	t      *time.Timer
	op     Op[struct{}]
	closed bool
}

// NewTimer returns a disarmed timer. It holds c until Close.
func NewTimer(c *Context) (*Timer, error) {
	if c == nil {
		return nil, result.New(result.InvalidParam, "nil context")
	}
	if err := c.Retain(); err != nil {
		return nil, err
	}
	return &Timer{c: c}, nil
}

// Start arms the timer. An armed timer is canceled first, so its handler
// observes Canceled before h can observe anything. Expiry completes h with
// a nil error. A duration of Infinite only completes through Cancel.
func (t *Timer) Start(d time.Duration, h func(error)) error {
	if h == nil {
		return result.New(result.InvalidParam, "nil handler")
	}
	if d < 0 && d != Infinite {
		return result.New(result.InvalidParam, "negative duration", "duration", d)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return result.New(result.InvalidHandle, "timer closed")
	}
	t.cancelLocked()
	op := Register(t.c, func(err error, _ struct{}) { h(err) })
	t.op = op
	if d != Infinite {
		t.t = time.AfterFunc(d, func() {
			op.Complete(nil, struct{}{})
		})
	}
	return nil
}

// Cancel reports whether an armed timer was canceled before expiring.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked()
}

func (t *Timer) cancelLocked() bool {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	ok := t.op.Cancel()
	t.op = Op[struct{}]{}
	return ok
}

// Close cancels an armed timer and releases the Context.
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.cancelLocked()
	t.closed = true
	t.c.Release()
}
