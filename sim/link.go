package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// EventHandler consumes an event delivered on a handled link. The handler
// runs to completion on the partition's single worker; it must not block.
// Returning an error aborts the simulation.
type EventHandler func(ev *Event) error

// Link is a unidirectional delivery channel. The sender calls Send on it;
// the receiving endpoint either registers a handler (events then flow
// through the time vortex) or polls it with Recv (events then sit in a
// per-link polling queue). When the receiver lives on another partition the
// link's send side is bound to that peer's SyncQueue instead, and a link
// with the same id on the peer partition does the local delivery after the
// barrier.
type Link struct {
	id       LinkID
	latency  SimTime
	peerRank int // -1 when both endpoints are local
	timeBase SimTime

	clock TimeTeller
	seq   *Sequencer

	// sendQueue is where Send pushes: the vortex for handled local
	// receivers, the polling queue for polled local receivers, or the
	// peer's SyncQueue for remote receivers.
	sendQueue ActivityQueue
	vortex    ActivityQueue
	poll      *PollingLinkQueue

	handler     EventHandler
	handlerName string

	// frozen is set at the end of the init phase; endpoint bindings and
	// latency are immutable afterwards.
	frozen bool

	initSend []*Event
	initRecv *PollingLinkQueue
}

// ID returns the link id.
func (l *Link) ID() LinkID { return l.id }

// Latency returns the minimum propagation delay in cycles.
func (l *Link) Latency() SimTime { return l.latency }

// PeerRank returns the rank owning the remote endpoint, or -1 for a link
// whose endpoints are both local.
func (l *Link) PeerRank() int { return l.peerRank }

// SetDefaultTimeBase sets the multiplier applied to the delay argument of
// Send. The zero value means cycles (factor 1).
func (l *Link) SetDefaultTimeBase(factor SimTime) error {
	if l.frozen {
		return fmt.Errorf("%w: link %d time base change after init", ErrConfig, l.id)
	}
	l.timeBase = factor
	return nil
}

// SetHandler binds the receiving endpoint to a callback. The name is the
// stable identity used to re-bind the handler when restoring a checkpoint.
// A link is either handled or polled; the choice is fixed once init runs.
func (l *Link) SetHandler(name string, fn EventHandler) error {
	if l.frozen {
		return fmt.Errorf("%w: link %d endpoint change after init", ErrConfig, l.id)
	}
	if l.poll != nil {
		return fmt.Errorf("%w: link %d is configured for polling", ErrConfig, l.id)
	}
	if fn == nil {
		return fmt.Errorf("%w: link %d handler must not be nil", ErrConfig, l.id)
	}
	l.handler = fn
	l.handlerName = name
	return nil
}

// SetPolling binds the receiving endpoint to a polling queue consumed via
// Recv.
func (l *Link) SetPolling() error {
	if l.frozen {
		return fmt.Errorf("%w: link %d endpoint change after init", ErrConfig, l.id)
	}
	if l.handler != nil {
		return fmt.Errorf("%w: link %d already has a handler", ErrConfig, l.id)
	}
	l.poll = NewPollingLinkQueue()
	if l.peerRank < 0 {
		l.sendQueue = l.poll
	}
	return nil
}

// Polled reports whether the receiving endpoint consumes via Recv.
func (l *Link) Polled() bool { return l.poll != nil }

// HandlerName returns the checkpoint identity of the bound handler, or ""
// for polled links.
func (l *Link) HandlerName() string { return l.handlerName }

// Send schedules ev for delivery after delay cycles (scaled by the link's
// time base). A delay below the link latency is clamped up to it: the
// latency is the floor of the channel, not a default. The event is stamped
// with the link id, the delivery time and the next sequence number, then
// pushed onto the link's bound queue.
func (l *Link) Send(delay SimTime, ev *Event) error {
	now := l.clock.Now()
	delay *= l.effectiveTimeBase()
	if delay < l.latency {
		logrus.Warnf("link %d: delay %d below latency %d, clamping", l.id, delay, l.latency)
		delay = l.latency
	}
	ev.delivery = now + delay
	ev.linkID = l.id
	ev.sequence = l.seq.Next()
	return l.sendQueue.Insert(ev)
}

// Recv returns the front event if the link is polled and the event is due,
// else nil.
func (l *Link) Recv() *Event {
	if l.poll == nil {
		return nil
	}
	front := l.poll.Front()
	if front == nil || front.DeliveryTime() > l.clock.Now() {
		return nil
	}
	return l.poll.Pop().(*Event)
}

// SendInitData queues ev for transfer to the receiving endpoint during the
// init-phase exchange. Only legal before the run phase starts.
func (l *Link) SendInitData(ev *Event) error {
	if l.frozen {
		return fmt.Errorf("%w: link %d init data after init phase", ErrConfig, l.id)
	}
	ev.initData = true
	l.initSend = append(l.initSend, ev)
	return nil
}

// RecvInitData returns the next init-phase event received on this link, or
// nil when none remain.
func (l *Link) RecvInitData() *Event {
	if l.initRecv == nil || l.initRecv.Empty() {
		return nil
	}
	return l.initRecv.Pop().(*Event)
}

// receiveInitData re-stamps an init-phase event with this link's id and
// makes it available to RecvInitData.
func (l *Link) receiveInitData(ev *Event) {
	ev.linkID = l.id
	if l.initRecv == nil {
		l.initRecv = NewPollingLinkQueue()
	}
	l.initRecv.Insert(ev)
}

// deliverLocal inserts an event arriving from a peer partition into this
// link's local delivery queue. The delivery time was fixed on the sending
// side; it is not re-clamped here.
func (l *Link) deliverLocal(ev *Event) error {
	ev.linkID = l.id
	if l.poll != nil {
		return l.poll.Insert(ev)
	}
	return l.vortex.Insert(ev)
}

func (l *Link) effectiveTimeBase() SimTime {
	if l.timeBase == 0 {
		return 1
	}
	return l.timeBase
}
