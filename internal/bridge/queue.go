package bridge

import "sync"

// sendQueue is the bounded outbound buffer. Frames are pushed by any flow
// and drained FIFO by the single connection writer. When full, the oldest
// frame is discarded so the newest survives. peek/pop are split so a frame
// stays queued across a failed write and is retried after reconnect.
type sendQueue struct {
	mu       sync.Mutex
	items    [][]byte
	max      int
	inflight bool
	notify   chan struct{}
	closed   chan struct{}
	once     sync.Once
	onDrop   func(n int)
}

func newSendQueue(max int, onDrop func(n int)) *sendQueue {
	if max <= 0 {
		max = 1
	}
	return &sendQueue{
		max:    max,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
		onDrop: onDrop,
	}
}

func (q *sendQueue) push(frame []byte) {
	q.mu.Lock()
	dropped := 0
	// A head the writer is delivering is never evicted; the oldest
	// undelivered frame goes instead, so the dropped count names the
	// frames actually lost.
	floor := 0
	if q.inflight {
		floor = 1
	}
	for len(q.items) >= q.max+floor {
		q.items = append(q.items[:floor], q.items[floor+1:]...)
		dropped++
	}
	q.items = append(q.items, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	if dropped > 0 && q.onDrop != nil {
		q.onDrop(dropped)
	}
}

// peek blocks until a frame is at the head of the queue, then returns it
// without removing it. The head stays shielded from eviction until pop or
// release. It returns false when stop fires or the queue is closed.
func (q *sendQueue) peek(stop <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			head := q.items[0]
			q.inflight = true
			q.mu.Unlock()
			return head, true
		}
		q.mu.Unlock()

		select {
		case <-stop:
			return nil, false
		case <-q.closed:
			return nil, false
		case <-q.notify:
		}
	}
}

// pop removes the head frame after a successful write.
func (q *sendQueue) pop() {
	q.mu.Lock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
	q.inflight = false
	q.mu.Unlock()
}

// release keeps the peeked frame queued but evictable again, after a
// failed write.
func (q *sendQueue) release() {
	q.mu.Lock()
	q.inflight = false
	q.mu.Unlock()
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *sendQueue) close() {
	q.once.Do(func() { close(q.closed) })
}
