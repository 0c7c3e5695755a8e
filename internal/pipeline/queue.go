package pipeline

import (
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
)

// frameQueue is a small bounded FIFO that never blocks the producer. When it
// is full the oldest frame is evicted so the consumer always sees recent input.
type frameQueue struct {
	mu     sync.Mutex
	frames []types.Frame
	size   int
	closed bool

	// ready holds at most one pending wakeup for the consumer.
	ready chan struct{}
}

func newFrameQueue(size int) *frameQueue {
	return &frameQueue{
		frames: make([]types.Frame, 0, size),
		size:   size,
		ready:  make(chan struct{}, 1),
	}
}

// push enqueues f. accepted is false once the queue is closed; evicted is true
// when an older frame had to make room.
func (q *frameQueue) push(f types.Frame) (accepted, evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if len(q.frames) == q.size {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		evicted = true
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true, evicted
}

// pop returns the oldest queued frame. ok is false when the queue is empty or closed.
func (q *frameQueue) pop() (f types.Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.frames) == 0 {
		return types.Frame{}, false
	}
	f = q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = types.Frame{}
	q.frames = q.frames[:len(q.frames)-1]
	return f, true
}

// close rejects further pushes and discards whatever is still queued.
// It returns the number of discarded frames.
func (q *frameQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	n := len(q.frames)
	q.frames = nil
	return n
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
