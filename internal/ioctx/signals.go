package ioctx

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"branchnet/internal/result"
)

// Signal is a bit set of process wide signals.
type Signal uint32

const (
	SigNone Signal = 0
	SigInt  Signal = 1 << 0
	SigTerm Signal = 1 << 1
	SigUsr1 Signal = 1 << 24
	SigUsr2 Signal = 1 << 25
	SigUsr3 Signal = 1 << 26
	SigUsr4 Signal = 1 << 27
	SigUsr5 Signal = 1 << 28
	SigUsr6 Signal = 1 << 29
	SigUsr7 Signal = 1 << 30
	SigUsr8 Signal = 1 << 31
	SigAll         = SigInt | SigTerm | SigUsr1 | SigUsr2 | SigUsr3 | SigUsr4 |
		SigUsr5 | SigUsr6 | SigUsr7 | SigUsr8
)

var signalNames = []struct {
	sig  Signal
	name string
}{
	{SigInt, "INT"}, {SigTerm, "TERM"},
	{SigUsr1, "USR1"}, {SigUsr2, "USR2"}, {SigUsr3, "USR3"}, {SigUsr4, "USR4"},
	{SigUsr5, "USR5"}, {SigUsr6, "USR6"}, {SigUsr7, "USR7"}, {SigUsr8, "USR8"},
}

func (s Signal) String() string {
	for _, n := range signalNames {
		if s == n.sig {
			return n.name
		}
	}
	if s == SigNone {
		return "NONE"
	}
	return "MIXED"
}

// raised is one RaiseSignal call shared by every set that matched it.
type raised struct {
	sig       Signal
	arg       any
	remaining atomic.Int32
	cleanup   func()
}

func (r *raised) handled() {
	if r.remaining.Add(-1) == 0 && r.cleanup != nil {
		r.cleanup()
	}
}

type signalResult struct {
	r *raised
}

var signalSets = struct {
	mu   sync.Mutex
	sets map[*SignalSet]struct{}
}{sets: make(map[*SignalSet]struct{})}

// RaiseSignal delivers sig with arg to every open SignalSet that watches
// it and returns how many did. cleanup runs once the last of their
// handlers has returned, or right away when no set watches sig.
func RaiseSignal(sig Signal, arg any, cleanup func()) (int, error) {
	if sig == SigNone || sig&SigAll != sig || sig&(sig-1) != 0 {
		return 0, result.New(result.InvalidParam, "exactly one signal must be raised", "signal", uint32(sig))
	}
	signalSets.mu.Lock()
	var sets []*SignalSet
	for s := range signalSets.sets {
		if s.signals&sig != 0 {
			sets = append(sets, s)
		}
	}
	r := &raised{sig: sig, arg: arg, cleanup: cleanup}
	r.remaining.Store(int32(len(sets)))
	for _, s := range sets {
		s.push(r)
	}
	signalSets.mu.Unlock()
	if len(sets) == 0 && cleanup != nil {
		cleanup()
	}
	return len(sets), nil
}

// SignalSet queues the signals it watches until AwaitSignal takes them.
// Handlers run on its Context.
type SignalSet struct {
	c       *Context
	signals Signal

	mu      sync.Mutex
	op      Op[signalResult]
	pending bool
	queue   []*raised
	closed  bool
}

// NewSignalSet watches signals on behalf of c. It holds c until Close.
func NewSignalSet(c *Context, signals Signal) (*SignalSet, error) {
	if c == nil {
		return nil, result.New(result.InvalidParam, "nil context")
	}
	if signals == SigNone || signals&SigAll != signals {
		return nil, result.New(result.InvalidParam, "invalid signal set", "signals", uint32(signals))
	}
	if err := c.Retain(); err != nil {
		return nil, err
	}
	s := &SignalSet{c: c, signals: signals}
	signalSets.mu.Lock()
	signalSets.sets[s] = struct{}{}
	signalSets.mu.Unlock()
	return s, nil
}

func (s *SignalSet) Signals() Signal {
	return s.signals
}

// AwaitSignal completes h with the oldest queued signal, or the next one
// raised. An outstanding await is canceled first.
func (s *SignalSet) AwaitSignal(h func(err error, sig Signal, arg any)) error {
	if h == nil {
		return result.New(result.InvalidParam, "nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return result.New(result.InvalidHandle, "signal set closed")
	}
	if s.pending {
		s.op.Cancel()
	}
	s.op = Register(s.c, func(err error, res signalResult) {
		if res.r == nil {
			h(err, SigNone, nil)
			return
		}
		h(err, res.r.sig, res.r.arg)
		res.r.handled()
	})
	s.pending = true
	s.deliverLocked()
	return nil
}

// CancelAwait cancels the outstanding await. It returns false when there
// was none.
func (s *SignalSet) CancelAwait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return false
	}
	s.pending = false
	return s.op.Cancel()
}

// Close cancels the outstanding await, gives up queued signals and
// releases the Context.
func (s *SignalSet) Close() {
	signalSets.mu.Lock()
	delete(signalSets.sets, s)
	signalSets.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, r := range s.queue {
		if r.remaining.Add(-1) == 0 && r.cleanup != nil {
			s.c.Post(r.cleanup)
		}
	}
	s.queue = nil
	if s.pending {
		s.pending = false
		s.op.Cancel()
	}
	s.c.Release()
}

func (s *SignalSet) push(r *raised) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, r)
	s.deliverLocked()
}

func (s *SignalSet) deliverLocked() {
	if !s.pending || len(s.queue) == 0 {
		return
	}
	r := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.pending = false
	s.op.Complete(nil, signalResult{r: r})
}

var osSignals = struct {
	mu   sync.Mutex
	refs int
	ch   chan os.Signal
	done chan struct{}
}{}

// ForwardOSSignals raises SigInt and SigTerm when the process receives
// SIGINT or SIGTERM until the returned function is called. Calls nest.
func ForwardOSSignals() (stop func()) {
	osSignals.mu.Lock()
	defer osSignals.mu.Unlock()
	osSignals.refs++
	if osSignals.refs == 1 {
		ch := make(chan os.Signal, 1)
		done := make(chan struct{})
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		osSignals.ch, osSignals.done = ch, done
		go func() {
			for {
				select {
				case <-done:
					return
				case sig := <-ch:
					if sig == syscall.SIGTERM {
						_, _ = RaiseSignal(SigTerm, sig, nil)
					} else {
						_, _ = RaiseSignal(SigInt, sig, nil)
					}
				}
			}
		}()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			osSignals.mu.Lock()
			defer osSignals.mu.Unlock()
			osSignals.refs--
			if osSignals.refs == 0 {
				signal.Stop(osSignals.ch)
				close(osSignals.done)
				osSignals.ch, osSignals.done = nil, nil
			}
		})
	}
}
