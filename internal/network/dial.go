package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"branchnet/internal/result"
)

const (
	dialBackoffBase = 100 * time.Millisecond
	dialBackoffMax  = 1 * time.Second
)

type addrFailure struct {
	count int
	last  time.Time
}

// Dialer dials through a Transport, retrying with exponential backoff
// until ctx expires or the attempt budget is spent.
type Dialer struct {
	Transport Transport
	Attempts  int

	mu       sync.Mutex
	failures map[string]*addrFailure
}

func NewDialer(t Transport, attempts int) *Dialer {
	if attempts <= 0 {
		attempts = 1
	}
	return &Dialer{Transport: t, Attempts: attempts, failures: make(map[string]*addrFailure)}
}

func (d *Dialer) Dial(ctx context.Context, addr string) (Conn, error) {
	if addr == "" {
		return nil, result.New(result.InvalidParam, "missing addr")
	}
	var lastErr error
	for attempt := 0; attempt < d.Attempts; attempt++ {
		if attempt > 0 && !backoffRetry(ctx, attempt) {
			break
		}
		c, err := d.Transport.Dial(ctx, addr)
		if err == nil {
			d.resetFailures(addr)
			return c, nil
		}
		lastErr = err
		d.recordFailure(addr)
		if errors.Is(err, result.Timeout) {
			break
		}
	}
	if lastErr == nil {
		lastErr = result.Wrap(result.Timeout, ctx.Err())
	}
	return nil, lastErr
}

// Failures returns the number of consecutive failed dials to addr.
func (d *Dialer) Failures(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ent := d.failures[addr]; ent != nil {
		return ent.count
	}
	return 0
}

func (d *Dialer) recordFailure(addr string) int {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	ent := d.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		d.failures[addr] = ent
	}
	ent.count++
	ent.last = now
	return ent.count
}

func (d *Dialer) resetFailures(addr string) {
	d.mu.Lock()
	delete(d.failures, addr)
	d.mu.Unlock()
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := dialBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > dialBackoffMax {
		d = dialBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
