package xmpp

import "sync/atomic"

// EventSequencer produces strictly increasing event ids for one
// connection's lifetime. Ids are never reused and never persisted; they
// are the only ordering primitive clients can rely on for incremental
// sync. Safe for concurrent use by the inbound dispatch goroutine and
// outbound callers.
type EventSequencer struct {
	last atomic.Int64
}

// Next returns a value strictly greater than all previously returned
// values.
func (s *EventSequencer) Next() int64 {
	return s.last.Add(1)
}

// Current returns the most recently issued id, zero if none was issued.
func (s *EventSequencer) Current() int64 {
	return s.last.Load()
}
