package branch

import "sync"

// txQueue is a FIFO of messages bounded by their total size in bytes.
// Producers wait on the channel returned by Push; the writer waits on
// Ready.
type txQueue struct {
	mu     sync.Mutex
	items  [][]byte
	bytes  int
	cap    int
	closed bool
	ready  chan struct{}
	space  chan struct{}
}

func newTxQueue(capBytes int) *txQueue {
	return &txQueue{
		cap:   capBytes,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}),
	}
}

// Push appends msg if it fits. When it does not, the returned channel is
// closed the next time room is freed or the queue is closed.
func (q *txQueue) Push(msg []byte) (bool, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, nil
	}
	if q.bytes+len(msg) > q.cap {
		return false, q.space
	}
	q.items = append(q.items, msg)
	q.bytes += len(msg)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true, nil
}

// Pop removes the oldest message without blocking.
func (q *txQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.bytes -= len(msg)
	close(q.space)
	q.space = make(chan struct{})
	return msg, true
}

func (q *txQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *txQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.bytes = 0
	close(q.space)
}

// Len returns the number of queued messages and their size.
func (q *txQueue) Len() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.bytes
}

// rxQueue buffers received messages of one session until a receive
// operation takes them. It is guarded by the branch mutex.
type rxQueue struct {
	items [][]byte
	bytes int
	cap   int
}

func (q *rxQueue) push(msg []byte) bool {
	if q.bytes+len(msg) > q.cap {
		return false
	}
	q.items = append(q.items, msg)
	q.bytes += len(msg)
	return true
}

func (q *rxQueue) pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.bytes -= len(msg)
	return msg, true
}

func (q *rxQueue) empty() bool {
	return len(q.items) == 0
}
