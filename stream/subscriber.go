package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscriber is one consumer of broker events. Each delivered event costs
// a credit; a subscriber out of credits or buffer space misses events
// until it catches up.
type Subscriber struct {
	id     string
	topics []string
	ch     chan *Event

	credits atomic.Int64

	mu     sync.RWMutex // guards closed against concurrent send
	closed bool
}

func newSubscriber(id string, topics []string, buffer int, credits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		topics: topics,
		ch:     make(chan *Event, buffer),
	}
	s.credits.Store(credits)
	return s
}

// ID returns the subscriber ID given to [Broker.Subscribe].
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed when the subscriber is
// removed. Readers of C return credits with AddCredits.
func (s *Subscriber) C() <-chan *Event { return s.ch }

func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// Next waits for the next event and returns its credit. It reports false
// once the subscriber is removed or ctx is done.
func (s *Subscriber) Next(ctx context.Context) (*Event, bool) {
	select {
	case evt, ok := <-s.ch:
		if ok {
			s.credits.Add(1)
		}
		return evt, ok
	case <-ctx.Done():
		return nil, false
	}
}

// send delivers evt without blocking and reports whether it was taken.
func (s *Subscriber) send(evt *Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if s.credits.Add(-1) < 0 {
		s.credits.Add(1)
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.credits.Add(1)
		return false
	}
}

// Close closes C. Further events are dropped.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
