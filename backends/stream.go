package backends

import (
	"fmt"
	"sync"
)

// Stream is the single ordered execution queue of a pipeline. Work enqueued on it runs
// in issue order, one item at a time. The pipeline that acquires a stream is its only owner
// and must release it exactly once.
type Stream struct {
	mu       sync.Mutex
	released bool
	ID       string
}

func NewStream(id string) *Stream {
	return &Stream{ID: id}
}

// Enqueue runs fn on the stream and waits for it to complete.
func (s *Stream) Enqueue(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("%w: stream %s", ErrStreamReleased, s.ID)
	}
	return fn()
}

// Release frees the stream. A second release is an error.
func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("%w: stream %s released twice", ErrStreamReleased, s.ID)
	}
	s.released = true
	return nil
}

func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
