package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Stream is a bounded FIFO of JSON-encoded payloads shared between a
// producer (the host) and a consumer (the guest runtime, via the
// Sandbox). Capacity is fixed at construction. Ordering is strict FIFO;
// fairness across concurrent producers is not guaranteed, but concurrent
// Push calls are safe.
//
// A buffered channel carries items; a second, closed-once channel signals
// termination, so a blocking Take can wait on either "a value arrived" or
// "the stream ended" without polling.
type Stream struct {
	items chan json.RawMessage

	mu    sync.Mutex
	ended bool
	endCh chan struct{}
}

// NewStream allocates a Stream with the given capacity. capacity must be
// >= 1; this is a programmer error (not a runtime input), so it panics
// rather than returning an error, the same way a buffered channel sized
// directly from a capacity argument would.
func NewStream(capacity int) *Stream {
	if capacity < 1 {
		panic("sandbox: stream capacity must be >= 1")
	}
	return &Stream{
		items: make(chan json.RawMessage, capacity),
		endCh: make(chan struct{}),
	}
}

// PushJSON enqueues payload. If blocking is true, PushJSON waits until
// capacity is available, the stream ends, or ctx is done. If blocking is
// false, PushJSON either enqueues immediately or fails with ErrStreamFull
// without enqueuing anything.
func (s *Stream) PushJSON(ctx context.Context, payload json.RawMessage, blocking bool) error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return fmt.Errorf("push: %w", ErrStreamClosed)
	}

	if !blocking {
		select {
		case s.items <- payload:
			// Re-check end under the lock: a concurrent End() that raced
			// the successful send above must still be reported as closed,
			// not silently treated as success.
			return s.endRaceCheck()
		default:
			// Re-check end under the lock: a concurrent End() that raced
			// the channel send above must be reported as closed, not full.
			s.mu.Lock()
			ended = s.ended
			s.mu.Unlock()
			if ended {
				return fmt.Errorf("push: %w", ErrStreamClosed)
			}
			return fmt.Errorf("push: %w", ErrStreamFull)
		}
	}

	select {
	case s.items <- payload:
		// select has no case priority: if End() closed endCh at the same
		// moment capacity was available, Go may still choose this send
		// case over <-s.endCh. Re-check ended under the lock before
		// finalizing a successful send, mirroring the non-blocking path's
		// post-select re-check, so a push racing a concurrent End() is
		// never reported as having succeeded.
		return s.endRaceCheck()
	case <-s.endCh:
		return fmt.Errorf("push: %w", ErrStreamClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// endRaceCheck reports ErrStreamClosed if End() has been called, even
// though the payload was already placed in items. It does not and cannot
// retract that send -- items channel has no "undo" -- so this only affects
// what the caller is told, not whether a draining consumer eventually sees
// the value (End only forbids new pushes; it does not discard items
// already enqueued before it ran).
func (s *Stream) endRaceCheck() error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return fmt.Errorf("push: %w", ErrStreamClosed)
	}
	return nil
}

// End marks the stream terminated. Idempotent: subsequent calls are no-ops.
// After End, Push fails with ErrStreamClosed and a consumer that has
// drained all previously-enqueued items observes termination via Take.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.endCh)
}

// Take dequeues the next payload. The returned bool is false exactly when
// the stream has been drained and ended (normal termination); err is
// non-nil only when ctx is done before a value or termination is observed.
func (s *Stream) Take(ctx context.Context) (json.RawMessage, bool, error) {
	// Drain anything already buffered before considering termination, so a
	// consumer that catches up after End observes every pushed item in
	// order (invariant ii).
	select {
	case item := <-s.items:
		return item, true, nil
	default:
	}

	select {
	case item := <-s.items:
		return item, true, nil
	case <-s.endCh:
		select {
		case item := <-s.items:
			return item, true, nil
		default:
			return nil, false, nil
		}
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
