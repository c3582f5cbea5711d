package broadcast

import (
	"sync/atomic"

	"marketrelay/internal/models"
)

// Subscription is one listener on a topic. C is closed on Unsubscribe or
// when the broadcaster closes.
type Subscription struct {
	C <-chan models.Update

	ch     chan models.Update
	topic  string
	domain models.Domain
	symbol string
	id     uint64
	since  uint64
	done   bool // guarded by Broadcaster.subsMu

	dropped atomic.Uint64
	b       *Broadcaster
}

func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) Domain() models.Domain { return s.domain }

func (s *Subscription) Symbol() string { return s.symbol }

// Dropped counts updates this listener missed because its buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe removes the listener and closes C. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.b == nil {
		return
	}
	s.b.unsubscribe(s)
}
