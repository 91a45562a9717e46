// Package framequeue buffers captured frames between camera acquisition and
// the disk writer. Pushing never blocks the producer: when the queue is full
// the oldest frame is dropped so live capture keeps its cadence even when the
// disk falls behind.
package framequeue

import (
	"sync/atomic"

	"github.com/aperture-data/fusion.capture/internal/frame"
	"github.com/aperture-data/fusion.capture/internal/monitoring"
)

// DefaultCapacity bounds the number of frames held per camera before the
// oldest gets dropped.
const DefaultCapacity = 1000

// Queue is a bounded FIFO of frames for one camera.
type Queue struct {
	ch      chan frame.Frame
	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity frames. Non-positive
// capacities fall back to DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan frame.Frame, capacity)}
}

// Push enqueues f without ever blocking. When the queue is full the oldest
// frame is discarded with a warning and f takes its place.
func (q *Queue) Push(f frame.Frame) {
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			monitoring.Warnf("frame queue full, dropping frame %d from camera %d", old.Index, old.CameraID)
		default:
		}
	}
}

// Frames exposes the receive side for the writer worker.
func (q *Queue) Frames() <-chan frame.Frame {
	return q.ch
}

// DrainAll removes and returns every queued frame.
func (q *Queue) DrainAll() []frame.Frame {
	var out []frame.Frame
	for {
		select {
		case f := <-q.ch:
			out = append(out, f)
		default:
			return out
		}
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns the number of frames discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
