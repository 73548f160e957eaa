// Package clock abstracts time for the poll loops so tests can step
// through retries without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the pipeline depends on.
// Production code injects Real(); tests inject a Stepping clock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d elapses.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Stepping is a deterministic Clock whose After fires immediately and
// moves the current time forward by the requested duration. A poll
// loop driven by Stepping runs to completion without real waiting while
// still observing monotonically advancing time.
//
// Stepping is safe for concurrent use.
type Stepping struct {
	mu      sync.Mutex
	current time.Time
	waits   int
}

// NewStepping returns a Stepping clock starting at initial.
func NewStepping(initial time.Time) *Stepping {
	return &Stepping{current: initial}
}

func (s *Stepping) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Stepping) After(d time.Duration) <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.current = s.current.Add(d)
	}
	s.waits++
	ch := make(chan time.Time, 1)
	ch <- s.current
	return ch
}

// Waits reports how many times After has been called.
func (s *Stepping) Waits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waits
}
