package sink

import (
	"sync"

	"github.com/lexiqai/livescribe/internal/audio"
)

// frameQueue is a bounded FIFO that evicts its oldest frame when full
type frameQueue struct {
	mu     sync.Mutex
	items  []audio.MixedFrame
	head   int
	count  int
	closed bool
	notify chan struct{}
}

func newFrameQueue(size int) *frameQueue {
	if size < 1 {
		size = 1
	}
	return &frameQueue{
		items:  make([]audio.MixedFrame, size),
		notify: make(chan struct{}, 1),
	}
}

// push never blocks; it reports whether a frame was evicted
func (q *frameQueue) push(frame audio.MixedFrame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	dropped := false
	if q.count == len(q.items) {
		q.items[q.head] = audio.MixedFrame{}
		q.head = (q.head + 1) % len(q.items)
		q.count--
		dropped = true
	}
	q.items[(q.head+q.count)%len(q.items)] = frame
	q.count++
	q.mu.Unlock()

	q.wake()
	return dropped
}

// pop blocks until a frame is available or the queue is closed and empty
func (q *frameQueue) pop() (audio.MixedFrame, bool) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			frame := q.items[q.head]
			q.items[q.head] = audio.MixedFrame{}
			q.head = (q.head + 1) % len(q.items)
			q.count--
			q.mu.Unlock()
			return frame, true
		}
		if q.closed {
			q.mu.Unlock()
			return audio.MixedFrame{}, false
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *frameQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
