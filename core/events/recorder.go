package events

import (
	"sync"

	"blmnsale/core/types"
)

// Carrier is implemented by events that can surface their canonical payload.
// Engines wrap *types.Event values so subscribers can read attributes without
// knowing the emitting module.
type Carrier interface {
	Event
	Event() *types.Event
}

// Recorder retains emitted events in memory, bounded by a configurable cap.
// It backs the RPC event feed and the engine tests.
type Recorder struct {
	mu     sync.RWMutex
	events []*types.Event
	cap    int
}

// NewRecorder constructs a recorder keeping at most cap events. A non-positive
// cap defaults to 1024.
func NewRecorder(cap int) *Recorder {
	if cap <= 0 {
		cap = 1024
	}
	return &Recorder{cap: cap}
}

func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	carrier, ok := evt.(Carrier)
	if !ok {
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, payload)
	if len(r.events) > r.cap {
		r.events = append([]*types.Event{}, r.events[len(r.events)-r.cap:]...)
	}
}

// Events returns a snapshot of the retained events in emission order.
func (r *Recorder) Events() []*types.Event {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*types.Event{}, r.events...)
}
