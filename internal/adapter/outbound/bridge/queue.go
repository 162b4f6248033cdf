package bridge

import (
	"context"
	"sync"
)

// NotificationQueueCap bounds each per-stream notification queue.
const NotificationQueueCap = 256

// Queue is a bounded FIFO of raw JSON-RPC notifications. One queue exists
// per active GET stream. Push never blocks: on overflow the oldest entry is
// dropped so the stdout dispatcher keeps making progress.
type Queue struct {
	mu     sync.Mutex
	buf    [][]byte
	notify chan struct{}
	closed bool
}

func newQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// push enqueues item, dropping the oldest entry when full. Returns the
// number of dropped entries (0 or 1).
func (q *Queue) push(item []byte) int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	dropped := 0
	if len(q.buf) >= NotificationQueueCap {
		q.buf = q.buf[1:]
		dropped = 1
	}
	q.buf = append(q.buf, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until an item is available, the queue closes, or ctx is done.
// The second return is false once the queue is closed and drained.
func (q *Queue) Pop(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			item := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close wakes any blocked consumer. Remaining items stay readable until
// drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
