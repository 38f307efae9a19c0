package session

import (
	"sync"
	"time"
)

// scheduledTask is a single cancellable deferred call. At most one call is
// outstanding at a time: Schedule replaces any pending call, and Cancel is
// race-free against a concurrently firing timer. A timer that already fired
// but lost the race to Cancel observes a stale generation and does nothing.
type scheduledTask struct {
	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

// Schedule arranges for fn to run once after delay, replacing any pending
// call. fn runs on the timer's goroutine.
func (s *scheduledTask) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending call, if any. Idempotent. A call that already
// started running is not interrupted.
func (s *scheduledTask) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pending reports whether a scheduled call exists that has not fired yet.
func (s *scheduledTask) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
