package events

import (
	"context"
	"sync"
)

// Recorder collects published events in memory. Tests use it to assert
// on emission without a live store.
type Recorder struct {
	mutex  sync.Mutex
	events []Event
}

// NewRecorder creates an in-memory event recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Name returns the publisher name
func (r *Recorder) Name() string {
	return "recorder"
}

// Publish records the event
func (r *Recorder) Publish(ctx context.Context, event Event) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events of the given type
func (r *Recorder) ByType(eventType Type) []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the recorder
func (r *Recorder) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = nil
}
