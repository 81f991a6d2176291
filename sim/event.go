package sim

import "fmt"

// Event is an activity travelling across a link: a delivery time, the id of
// the destination link, and an opaque payload the endpoints agree on. An
// event is created by the sender, owned by whichever queue it currently sits
// in, and consumed exactly once at delivery.
type Event struct {
	baseActivity
	linkID LinkID
	// initData marks events exchanged during the init phase, before the
	// run loop starts.
	initData bool
	Payload  []byte
}

// NewEvent creates an event carrying payload. The ordering key is stamped by
// Link.Send; until then the event is not schedulable.
func NewEvent(payload []byte) *Event {
	return &Event{
		baseActivity: baseActivity{priority: PriorityEvent},
		Payload:      payload,
	}
}

// LinkID returns the destination link id stamped at send time.
func (e *Event) LinkID() LinkID { return e.linkID }

// SetPriority overrides the default event priority. Must be called before
// the event is sent; changing the key of a queued event corrupts the queue.
func (e *Event) SetPriority(p uint8) { e.priority = p }

// Execute dispatches the event to the handler registered on its destination
// link. Events for polled links never reach the vortex, so finding one here
// is a protocol error, as is an unknown link id.
func (e *Event) Execute(sim *Simulation) error {
	link, ok := sim.links[e.linkID]
	if !ok {
		return fmt.Errorf("%w: dispatch for unknown link %d at t=%d", ErrProtocol, e.linkID, sim.now)
	}
	if link.handler == nil {
		return fmt.Errorf("%w: link %d has no handler bound", ErrProtocol, e.linkID)
	}
	return link.handler(e)
}
