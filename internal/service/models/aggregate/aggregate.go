package aggregate

import "github.com/corray333/backend-labs/delivery/internal/service/events"

// Root collects domain events raised by an aggregate until they are written
// to the outbox. Embed it and call AppendEvent from state transitions.
type Root struct {
	events []events.Event
}

// AppendEvent records a domain event.
func (r *Root) AppendEvent(ev events.Event) {
	r.events = append(r.events, ev)
}

// PullEvents returns the recorded events and clears the list.
func (r *Root) PullEvents() []events.Event {
	evs := r.events
	r.events = nil

	return evs
}

// PendingEvents returns the recorded events without clearing them.
func (r *Root) PendingEvents() []events.Event {
	return r.events
}
