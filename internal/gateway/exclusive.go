package gateway

import (
	"context"
	"sync"
)

// sessionSlots serializes executions per instance for kinds that allow only
// one session at a time. Waiters are served in arrival order.
type sessionSlots struct {
	mu    sync.Mutex
	slots map[string]*sessionSlot
}

type sessionSlot struct {
	ch   chan struct{}
	refs int
}

func newSessionSlots() *sessionSlots {
	return &sessionSlots{slots: make(map[string]*sessionSlot)}
}

// acquire blocks until the instance's slot is free or ctx is done.
func (s *sessionSlots) acquire(ctx context.Context, instanceID string) (func(), error) {
	s.mu.Lock()
	slot, ok := s.slots[instanceID]
	if !ok {
		slot = &sessionSlot{ch: make(chan struct{}, 1)}
		s.slots[instanceID] = slot
	}
	slot.refs++
	s.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		s.drop(instanceID, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			s.drop(instanceID, slot)
		})
	}, nil
}

func (s *sessionSlots) drop(instanceID string, slot *sessionSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot.refs--
	if slot.refs == 0 && s.slots[instanceID] == slot {
		delete(s.slots, instanceID)
	}
}

func (s *sessionSlots) waiting(instanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[instanceID]; ok {
		return slot.refs
	}
	return 0
}
