package branch

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"branchnet/internal/ioctx"
	"branchnet/internal/result"
)

type pendingSend struct {
	op     ioctx.Op[struct{}]
	cancel chan struct{}
}

type recvResult struct {
	from uuid.UUID
	n    int
}

// SendBroadcastAsync queues payload for every connected branch and calls
// h once it has been queued. Without retry, branches whose send queue is
// full are skipped and h observes TxQueueFull. With retry the operation
// waits for room and can be canceled with CancelSendBroadcast.
func (b *Branch) SendBroadcastAsync(payload []byte, retry bool, h func(error)) (ioctx.OpID, error) {
	if h == nil {
		return 0, result.New(result.InvalidParam, "nil handler")
	}
	if len(payload) > b.consts.MaxMessageSize {
		return 0, result.New(result.MessageTooLarge, "", "size", len(payload), "max", b.consts.MaxMessageSize)
	}
	msg := append([]byte(nil), payload...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, result.New(result.InvalidHandle, "branch closed")
	}
	op := ioctx.Register(b.ctx, func(err error, _ struct{}) { h(err) })
	sessions := b.sessionsLocked()
	if !retry {
		op.Complete(b.enqueue(msg, sessions), struct{}{})
		return op.ID(), nil
	}
	ps := &pendingSend{op: op, cancel: make(chan struct{})}
	b.sends[op.ID()] = ps
	b.group.Go(func() error {
		err := b.enqueueWait(msg, sessions, ps.cancel, op.ID())
		b.mu.Lock()
		delete(b.sends, op.ID())
		b.mu.Unlock()
		op.Complete(err, struct{}{})
		return nil
	})
	return op.ID(), nil
}

// SendBroadcast is the blocking form of SendBroadcastAsync. It does not
// need the Context to run and must not be called from one of its
// handlers when retry is set.
func (b *Branch) SendBroadcast(ctx context.Context, payload []byte, retry bool) error {
	if len(payload) > b.consts.MaxMessageSize {
		return result.New(result.MessageTooLarge, "", "size", len(payload), "max", b.consts.MaxMessageSize)
	}
	msg := append([]byte(nil), payload...)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return result.New(result.InvalidHandle, "branch closed")
	}
	sessions := b.sessionsLocked()
	b.mu.Unlock()
	if !retry {
		return b.enqueue(msg, sessions)
	}
	err := b.enqueueWait(msg, sessions, ctx.Done(), 0)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result.Wrap(result.Timeout, ctx.Err())
	}
	return err
}

// CancelSendBroadcast cancels an outstanding send started with retry. It
// returns false when the operation already finished.
func (b *Branch) CancelSendBroadcast(id ioctx.OpID) bool {
	b.mu.Lock()
	ps, ok := b.sends[id]
	if ok {
		delete(b.sends, id)
		close(ps.cancel)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	return ps.op.Cancel()
}

func (b *Branch) enqueue(msg []byte, sessions []*session) error {
	skipped := 0
	for _, s := range sessions {
		ok, space := s.tx.Push(msg)
		if ok || space == nil {
			continue
		}
		skipped++
		b.metrics.IncDropTxFull()
	}
	if skipped > 0 {
		return result.New(result.TxQueueFull, "", "skipped", skipped, "branches", len(sessions))
	}
	return nil
}

// enqueueWait queues msg for every session, waiting for room. id names
// the cancelable send this belongs to, or is zero.
func (b *Branch) enqueueWait(msg []byte, sessions []*session, cancel <-chan struct{}, id ioctx.OpID) error {
	for i, s := range sessions {
		last := id != 0 && i == len(sessions)-1
		for {
			ok, space, err := b.push(s, msg, last, id)
			if err != nil {
				return err
			}
			if ok || space == nil {
				break
			}
			select {
			case <-space:
			case <-cancel:
				return result.Canceled
			case <-b.runCtx.Done():
				return result.Canceled
			}
		}
	}
	return nil
}

// push queues msg on s. The final push of a cancelable send retires the
// send under the branch lock, so CancelSendBroadcast never reports a send
// that already reached every queue.
func (b *Branch) push(s *session, msg []byte, final bool, id ioctx.OpID) (bool, <-chan struct{}, error) {
	if !final {
		ok, space := s.tx.Push(msg)
		return ok, space, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sends[id]; !ok {
		return false, nil, result.Canceled
	}
	ok, space := s.tx.Push(msg)
	if ok || space == nil {
		delete(b.sends, id)
	}
	return ok, space, nil
}

// ReceiveBroadcastAsync completes h with the next broadcast from any
// connected branch, copied into buf. Branches with queued messages are
// served in turn. A message larger than buf is discarded and h observes
// BufferTooSmall with the size that would have been needed.
func (b *Branch) ReceiveBroadcastAsync(buf []byte, h func(res error, from uuid.UUID, n int)) error {
	if h == nil {
		return result.New(result.InvalidParam, "nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return result.New(result.InvalidHandle, "branch closed")
	}
	if b.recvPending {
		b.recvOp.Cancel()
	}
	b.recvOp = ioctx.Register(b.ctx, func(err error, r recvResult) {
		h(err, r.from, r.n)
	})
	b.recvBuf = buf
	b.recvPending = true
	if from, msg, ok := b.nextQueuedLocked(); ok {
		b.completeReceiveLocked(from, msg)
	}
	return nil
}

// CancelReceiveBroadcast cancels the outstanding receive. It returns
// false when there was none.
func (b *Branch) CancelReceiveBroadcast() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recvPending {
		return false
	}
	b.recvPending = false
	b.recvBuf = nil
	return b.recvOp.Cancel()
}

// deliver hands a received message to the pending receive or queues it.
// A pending receive implies that every queue is empty.
func (b *Branch) deliver(s *session, msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.sessions[s.id] != s {
		return
	}
	b.metrics.IncBroadcastReceived()
	if b.recvPending {
		b.completeReceiveLocked(s.id, msg)
		return
	}
	if !s.rx.push(msg) {
		b.metrics.IncDropRxFull()
		b.limiter.RateLimited(b.log, "rx-full:"+s.id.String(), logInterval,
			"receive queue full, dropping broadcast", zap.Stringer("uuid", s.id), zap.Int("size", len(msg)))
	}
}

func (b *Branch) nextQueuedLocked() (uuid.UUID, []byte, bool) {
	n := len(b.order)
	for i := 0; i < n; i++ {
		idx := (b.rrNext + i) % n
		s, ok := b.sessions[b.order[idx]]
		if !ok {
			continue
		}
		if msg, ok := s.rx.pop(); ok {
			b.rrNext = (idx + 1) % n
			return s.id, msg, true
		}
	}
	return uuid.Nil, nil, false
}

func (b *Branch) completeReceiveLocked(from uuid.UUID, msg []byte) {
	op, buf := b.recvOp, b.recvBuf
	b.recvPending = false
	b.recvBuf = nil
	if len(msg) > len(buf) {
		b.metrics.IncDropBufferSmall()
		op.Complete(result.New(result.BufferTooSmall, "", "size", len(msg), "buffer", len(buf)),
			recvResult{from: from, n: len(msg)})
		return
	}
	n := copy(buf, msg)
	op.Complete(nil, recvResult{from: from, n: n})
}
