package serial

import "sync/atomic"

// connState tracks whether a central is connected. It is written from the
// stack's goroutine and read from callers of the Port.
type connState struct {
	connected atomic.Bool
}

func (s *connState) set(connected bool) {
	s.connected.Store(connected)
}

func (s *connState) get() bool {
	return s.connected.Load()
}
