package branch

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"branchnet/internal/crypto"
	"branchnet/internal/network"
	"branchnet/internal/proto"
	"branchnet/internal/result"
)

const seqSize = 8

// session is an authenticated connection to a remote branch. The writer
// goroutine owns sendSeq, the reader owns recvSeq.
type session struct {
	b    *Branch
	id   uuid.UUID
	info RemoteBranchInfo
	conn network.Conn
	keys crypto.SessionKeys
	tx   *txQueue
	rx   rxQueue

	sendSeq uint64
	recvSeq uint64

	done      chan struct{}
	once      sync.Once
	started   atomic.Bool
	drain     chan struct{}
	drained   chan struct{}
	drainOnce sync.Once
}

func newSession(b *Branch, c network.Conn, info RemoteBranchInfo, keys crypto.SessionKeys) *session {
	return &session{
		b:       b,
		id:      info.UUID,
		info:    info,
		conn:    c,
		keys:    keys,
		tx:      newTxQueue(b.settings.TxQueueSize),
		rx:      rxQueue{cap: b.settings.RxQueueSize},
		done:    make(chan struct{}),
		drain:   make(chan struct{}),
		drained: make(chan struct{}),
	}
}

func (s *session) start() {
	_ = s.conn.SetDeadline(time.Time{})
	s.started.Store(true)
	s.b.group.Go(s.readLoop)
	s.b.group.Go(s.writeLoop)
}

// heartbeatInterval is half the peer's timeout so the peer sees traffic
// before its read deadline expires. Zero disables heartbeats.
func (s *session) heartbeatInterval() time.Duration {
	if s.info.Timeout <= 0 {
		return 0
	}
	return s.info.Timeout / 2
}

func (s *session) readLoop() error {
	max := s.b.consts.MaxMessageSize + proto.SealOverhead
	for {
		if err := s.conn.SetReadDeadline(network.Deadline(s.b.settings.Timeout)); err != nil {
			s.fail(result.Wrap(result.SetSocketOptionFailed, err))
			return nil
		}
		f, err := proto.ReadFrame(s.conn, max)
		if err != nil {
			s.fail(err)
			return nil
		}
		switch f.Type {
		case proto.FrameHeartbeat:
			s.b.metrics.IncHeartbeat()
		case proto.FrameBroadcast:
			msg, err := s.open(f.Payload)
			if err != nil {
				s.fail(err)
				return nil
			}
			s.b.deliver(s, msg)
		}
	}
}

func (s *session) writeLoop() error {
	defer close(s.drained)
	hb := s.heartbeatInterval()
	var tick <-chan time.Time
	var timer *time.Timer
	if hb > 0 {
		timer = time.NewTimer(hb)
		defer timer.Stop()
		tick = timer.C
	}
	for {
		select {
		case <-s.done:
			return nil
		case <-s.drain:
			if err := s.writeQueued(); err != nil {
				s.fail(err)
			}
			return nil
		case <-s.tx.Ready():
			if err := s.writeQueued(); err != nil {
				s.fail(err)
				return nil
			}
		case <-tick:
			if err := s.writeFrame(proto.FrameHeartbeat, nil); err != nil {
				s.fail(err)
				return nil
			}
		}
		if timer != nil {
			timer.Reset(hb)
		}
	}
}

func (s *session) writeQueued() error {
	for {
		msg, ok := s.tx.Pop()
		if !ok {
			return nil
		}
		if err := s.writeBroadcast(msg); err != nil {
			return err
		}
		s.b.metrics.IncBroadcastSent()
	}
}

// requestDrain makes the writer send what is queued and stop. The
// returned channel is closed once it has, or right away when the writer
// never ran.
func (s *session) requestDrain() <-chan struct{} {
	s.drainOnce.Do(func() { close(s.drain) })
	if !s.started.Load() {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.drained
}

func (s *session) writeFrame(typ byte, payload []byte) error {
	if err := s.conn.SetWriteDeadline(network.Deadline(s.b.settings.Timeout)); err != nil {
		return result.Wrap(result.SetSocketOptionFailed, err)
	}
	return proto.WriteFrame(s.conn, typ, payload)
}

// writeBroadcast seals msg under the next send sequence number. The
// sequence number travels in clear in front of the ciphertext.
func (s *session) writeBroadcast(msg []byte) error {
	seq := s.sendSeq + 1
	aad := crypto.BuildAAD(proto.FrameBroadcast, seq, s.b.id, s.id)
	ct, err := s.keys.Seal(seq, msg, aad)
	if err != nil {
		return result.Wrap(result.Unknown, err)
	}
	payload := make([]byte, seqSize, seqSize+len(ct))
	binary.BigEndian.PutUint64(payload, seq)
	payload = append(payload, ct...)
	if err := s.writeFrame(proto.FrameBroadcast, payload); err != nil {
		return err
	}
	s.sendSeq = seq
	return nil
}

// open authenticates a received broadcast. Sequence numbers must follow
// each other without gaps.
func (s *session) open(payload []byte) ([]byte, error) {
	if len(payload) < proto.SealOverhead {
		return nil, result.New(result.DeserializeMsgFailed, "short broadcast frame", "size", len(payload))
	}
	seq := binary.BigEndian.Uint64(payload[:seqSize])
	if seq != s.recvSeq+1 {
		return nil, result.New(result.DeserializeMsgFailed, "unexpected sequence number",
			"want", s.recvSeq+1, "got", seq)
	}
	aad := crypto.BuildAAD(proto.FrameBroadcast, seq, s.id, s.b.id)
	msg, err := s.keys.Open(seq, payload[seqSize:], aad)
	if err != nil {
		return nil, result.Wrap(result.DeserializeMsgFailed, err, "seq", seq)
	}
	s.recvSeq = seq
	return msg, nil
}

// shutdown closes the session without reporting a loss.
func (s *session) shutdown() bool {
	closed := false
	s.once.Do(func() {
		close(s.done)
		s.tx.Close()
		_ = s.conn.Close()
		closed = true
	})
	return closed
}

func (s *session) fail(err error) {
	if s.shutdown() {
		s.b.sessionLost(s, err)
	}
}

func (b *Branch) sessionLost(s *session, err error) {
	b.mu.Lock()
	closed := b.closed
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
		delete(b.remotes, s.id)
		b.removeOrderLocked(s.id)
	}
	delete(b.conns, s.conn)
	b.mu.Unlock()
	if closed {
		return
	}
	b.metrics.IncLost()
	b.log.Warn("connection to branch lost", zap.Stringer("uuid", s.id), zap.String("name", s.info.Name), result.Field(err))
	b.emit(EventConnectionLost, err, &ConnectionLostInfo{ID: s.id})
}

func (b *Branch) removeOrderLocked(id uuid.UUID) {
	for i, o := range b.order {
		if o != id {
			continue
		}
		b.order = append(b.order[:i], b.order[i+1:]...)
		if i < b.rrNext {
			b.rrNext--
		}
		if len(b.order) == 0 || b.rrNext >= len(b.order) {
			b.rrNext = 0
		}
		return
	}
}

func (b *Branch) sessionsLocked() []*session {
	out := make([]*session, 0, len(b.order))
	for _, id := range b.order {
		if s, ok := b.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}
