// Package ioctx provides the execution context that runs completion
// handlers and the registry that owns pending operation handlers. Timers
// and signal sets are built on it.
package ioctx

import (
	"sync"
	"time"

	"branchnet/internal/result"
)

// Infinite disables the timeout of Run, RunOne and the Wait functions.
const Infinite time.Duration = -1

// Context is a FIFO queue of work items executed by at most one runner
// at a time. Handlers of every object bound to a Context run on its runner.
type Context struct {
	mu      sync.Mutex
	queue   []func()
	head    int
	wake    chan struct{}
	running bool
	stopReq bool
	stateCh chan struct{}
	bgDone  chan struct{}
	deps    int
	closed  bool

	nextOp uint64
	ops    map[OpID]any
}

// New returns an idle Context. Nothing runs until one of the Run or Poll
// functions is called or RunInBackground starts a runner.
func New() *Context {
	return &Context{
		wake:    make(chan struct{}, 1),
		stateCh: make(chan struct{}),
		ops:     make(map[OpID]any),
	}
}

// Post enqueues fn. It never runs fn synchronously. Items posted after
// Close are dropped.
func (c *Context) Post(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	c.signal()
}

func (c *Context) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Poll runs every ready item, including items posted by the items it runs,
// and returns how many ran. It does not wait.
func (c *Context) Poll() (int, error) {
	return c.poll(0)
}

// PollOne runs at most one ready item.
func (c *Context) PollOne() (int, error) {
	return c.poll(1)
}

// Run executes items until Stop is called or timeout elapses. A timeout of
// Infinite runs until stopped.
func (c *Context) Run(timeout time.Duration) (int, error) {
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.release()
	return c.loop(timeout, 0), nil
}

// RunOne executes exactly one item, waiting up to timeout for one to
// become ready. It returns 0 on timeout or Stop.
func (c *Context) RunOne(timeout time.Duration) (int, error) {
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.release()
	return c.loop(timeout, 1), nil
}

// RunInBackground starts a goroutine that runs the context until Stop.
func (c *Context) RunInBackground() error {
	done := make(chan struct{})
	if err := c.acquireWith(func() { c.bgDone = done }); err != nil {
		return err
	}
	go func() {
		defer close(done)
		defer c.release()
		c.loop(Infinite, 0)
	}()
	return nil
}

// Stop makes the active runner return after the item it is executing.
// Stopping an idle context has no effect.
func (c *Context) Stop() {
	c.mu.Lock()
	if c.running {
		c.stopReq = true
	}
	c.mu.Unlock()
	c.signal()
}

// WaitForRunning reports whether the context is running, waiting up to
// timeout for a runner to start.
func (c *Context) WaitForRunning(timeout time.Duration) bool {
	return c.waitFor(true, timeout)
}

// WaitForStopped reports whether the context is idle, waiting up to timeout
// for the active runner to return.
func (c *Context) WaitForStopped(timeout time.Duration) bool {
	return c.waitFor(false, timeout)
}

// Close stops the context and waits for a background runner to exit. It
// fails with ObjectStillUsed while branches or timers still use it.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.deps > 0 {
		c.mu.Unlock()
		return result.New(result.ObjectStillUsed, "context has dependents", "dependents", c.deps)
	}
	c.closed = true
	if c.running {
		c.stopReq = true
	}
	done := c.bgDone
	c.queue = nil
	c.head = 0
	c.mu.Unlock()
	c.signal()
	if done != nil {
		<-done
	}
	return nil
}

// Retain registers an object that depends on c. Every successful Retain
// must be paired with Release.
func (c *Context) Retain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return result.New(result.InvalidHandle, "context closed")
	}
	c.deps++
	return nil
}

// Release undoes one Retain.
func (c *Context) Release() {
	c.mu.Lock()
	if c.deps > 0 {
		c.deps--
	}
	c.mu.Unlock()
}

// PendingOps returns the number of registered operations that have not
// been completed or canceled yet.
func (c *Context) PendingOps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

func (c *Context) acquire() error {
	return c.acquireWith(nil)
}

func (c *Context) acquireWith(locked func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return result.Busy
	}
	if locked != nil {
		locked()
	}
	c.running = true
	c.stopReq = false
	c.notifyLocked()
	return nil
}

func (c *Context) release() {
	c.mu.Lock()
	c.running = false
	c.stopReq = false
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Context) notifyLocked() {
	close(c.stateCh)
	c.stateCh = make(chan struct{})
}

// next pops the oldest item. stop is true when the runner must return.
func (c *Context) next() (fn func(), stop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopReq {
		return nil, true
	}
	if c.head >= len(c.queue) {
		c.queue = c.queue[:0]
		c.head = 0
		return nil, false
	}
	fn = c.queue[c.head]
	c.queue[c.head] = nil
	c.head++
	if c.head > 64 && c.head*2 > len(c.queue) {
		n := copy(c.queue, c.queue[c.head:])
		c.queue = c.queue[:n]
		c.head = 0
	}
	return fn, false
}

func (c *Context) poll(limit int) (int, error) {
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.release()
	n := 0
	for limit == 0 || n < limit {
		fn, stop := c.next()
		if stop || fn == nil {
			break
		}
		fn()
		n++
	}
	return n, nil
}

func (c *Context) loop(timeout time.Duration, limit int) int {
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	n := 0
	for {
		fn, stop := c.next()
		if stop {
			return n
		}
		if fn != nil {
			fn()
			n++
			if limit > 0 && n >= limit {
				return n
			}
			select {
			case <-deadline:
				return n
			default:
			}
			continue
		}
		select {
		case <-c.wake:
		case <-deadline:
			return n
		}
	}
}

func (c *Context) waitFor(running bool, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		c.mu.Lock()
		if c.running == running {
			c.mu.Unlock()
			return true
		}
		ch := c.stateCh
		c.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}
