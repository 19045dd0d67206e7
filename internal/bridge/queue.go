package bridge

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// frameQueue is a bounded single-consumer FIFO between a relay loop's read
// side and its write side. When full, push discards the oldest frame.
type frameQueue struct {
	mu     sync.Mutex
	frames []audio.Frame
	max    int
	ready  chan struct{}
}

func newFrameQueue(max int) *frameQueue {
	if max <= 0 {
		max = 1
	}
	return &frameQueue{
		frames: make([]audio.Frame, 0, max),
		max:    max,
		ready:  make(chan struct{}, 1),
	}
}

// push appends f and reports whether an older frame was dropped to make room.
func (q *frameQueue) push(f audio.Frame) (dropped bool) {
	q.mu.Lock()
	if len(q.frames) == q.max {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		dropped = true
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// tryPop removes the head frame without waiting.
func (q *frameQueue) tryPop() (audio.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return audio.Frame{}, false
	}
	f := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = audio.Frame{}
	q.frames = q.frames[:len(q.frames)-1]
	return f, true
}

// pop waits for the head frame or ctx.
func (q *frameQueue) pop(ctx context.Context) (audio.Frame, error) {
	for {
		if f, ok := q.tryPop(); ok {
			return f, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		}
	}
}

// discard drops everything queued and returns how many frames were dropped.
func (q *frameQueue) discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	clear(q.frames)
	q.frames = q.frames[:0]
	return n
}

func (q *frameQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
