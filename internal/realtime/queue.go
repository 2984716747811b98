package realtime

import (
	"context"
	"sync"
)

// audioQueue is a bounded drop-oldest queue feeding the send task. A nil
// payload marks the end-of-audio sentinel.
type audioQueue struct {
	mu     sync.Mutex
	items  [][]byte
	size   int
	notify chan struct{}
}

func newAudioQueue(size int) *audioQueue {
	if size < 1 {
		size = 1
	}
	return &audioQueue{size: size, notify: make(chan struct{}, 1)}
}

// push reports whether an older payload was evicted
func (q *audioQueue) push(data []byte) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.size {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, data)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *audioQueue) pop(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			data := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

func (q *audioQueue) clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
