package kernel

import (
	"context"
	"sync"

	"github.com/oeway/kernel-engine/internal/event"
	"github.com/oeway/kernel-engine/internal/metrics"
)

// Per-execution buffer bounds: whichever trips first forces drop-oldest.
const (
	maxStreamEvents    = 256
	maxStreamTextBytes = 4 * 1024
)

// Stream is the lazy, finite, non-restartable event sequence of one
// execution. A producer goroutine pushes records as the bus delivers
// them; the consumer pulls with Recv. A slow consumer never blocks the
// producer: once the buffer bound is hit, the oldest stream-text records
// are dropped and a single backpressure_drop marker carries the
// cumulative count. Display data, results, and errors are never dropped.
type Stream struct {
	mu        sync.Mutex
	buf       []event.Record
	textBytes int
	// markerIdx is the buffer index of the backpressure_drop marker, or
	// -1 when none is buffered. Later drops bump its count in place.
	markerIdx int
	done      bool
	cancelled bool

	wake     chan struct{}
	onCancel func()
	once     sync.Once
}

// newStream creates a stream; onCancel runs once when the consumer
// cancels (unsubscribe and bookkeeping release).
func newStream(onCancel func()) *Stream {
	return &Stream{
		markerIdx: -1,
		wake:      make(chan struct{}, 1),
		onCancel:  onCancel,
	}
}

// push appends one record. Called from the bus handler; must not block.
func (s *Stream) push(rec event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.cancelled {
		return
	}

	s.buf = append(s.buf, rec)
	if rec.Type == event.TypeStream {
		s.textBytes += len(rec.Text)
	}
	s.evictLocked()
	s.wakeLocked()
}

// evictLocked drops the oldest stream-text records until the buffer is
// within bounds, maintaining the single cumulative drop marker.
func (s *Stream) evictLocked() {
	for len(s.buf) > maxStreamEvents || s.textBytes > maxStreamTextBytes {
		idx := -1
		for i, r := range s.buf {
			if r.Type == event.TypeStream {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Nothing droppable; non-stream records are kept regardless
			// of the bound.
			return
		}

		s.textBytes -= len(s.buf[idx].Text)
		s.buf = append(s.buf[:idx], s.buf[idx+1:]...)
		metrics.RecordBackpressureDrop(1)
		if s.markerIdx > idx {
			s.markerIdx--
		}

		if s.markerIdx >= 0 {
			s.buf[s.markerIdx].DroppedCount++
		} else {
			marker := event.Record{
				Type:         event.TypeBackpressureDrop,
				DroppedCount: 1,
			}
			s.buf = append(s.buf, event.Record{})
			copy(s.buf[idx+1:], s.buf[idx:])
			s.buf[idx] = marker
			s.markerIdx = idx
		}
	}
}

// finish marks the stream complete; buffered records remain readable and
// Recv reports the end once they are drained.
func (s *Stream) finish() {
	s.mu.Lock()
	s.done = true
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *Stream) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv returns the next record, blocking until one is available. ok is
// false when the execution has ended and the buffer is drained, when the
// stream was cancelled, or when ctx expires (the stream is cancelled in
// that case).
func (s *Stream) Recv(ctx context.Context) (event.Record, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			rec := s.buf[0]
			s.buf = s.buf[1:]
			if s.markerIdx == 0 {
				s.markerIdx = -1
			} else if s.markerIdx > 0 {
				s.markerIdx--
			}
			if rec.Type == event.TypeStream {
				s.textBytes -= len(rec.Text)
			}
			s.mu.Unlock()
			return rec, true
		}
		if s.done || s.cancelled {
			s.mu.Unlock()
			return event.Record{}, false
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			s.Cancel()
			return event.Record{}, false
		}
	}
}

// Cancel stops the stream. The execution itself continues in the driver;
// only the subscription and the manager's bookkeeping are released.
// Idempotent.
func (s *Stream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.buf = nil
	s.markerIdx = -1
	s.wakeLocked()
	s.mu.Unlock()

	s.once.Do(func() {
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}
