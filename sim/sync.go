package sim

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// syncState tracks the barrier's position in its per-partition state
// machine. All partitions traverse Idle -> Exchanging -> Dispatching ->
// Idle in lockstep; divergence surfaces as an epoch or time mismatch in the
// exchange headers and aborts the run.
type syncState int

const (
	syncIdle syncState = iota
	syncExchanging
	syncDispatching
)

// Sync is the partition barrier: a recurring action that fires every period
// cycles, exchanges the buffered cross-partition events with every peer,
// re-inserts the received ones locally, and reschedules itself. The period
// must not exceed the minimum cross-partition link latency; that lookahead
// is what makes it safe for partitions to run independently between
// barriers.
type Sync struct {
	baseActivity
	period    SimTime
	transport Transport

	// queues maps peer rank to the send-side buffer for that rank.
	// peers mirrors the key set in sorted order so exchanges and
	// dispatches iterate deterministically.
	queues map[int]*SyncQueue
	peers  []int

	epoch uint64
	state syncState
}

func newSync(period SimTime, transport Transport) *Sync {
	return &Sync{
		baseActivity: baseActivity{priority: PrioritySync},
		period:       period,
		transport:    transport,
		queues:       make(map[int]*SyncQueue),
	}
}

// Period returns the barrier period in cycles.
func (s *Sync) Period() SimTime { return s.period }

// Epoch returns the number of completed barrier exchanges.
func (s *Sync) Epoch() uint64 { return s.epoch }

// registerQueue returns the send-side buffer for peer, creating it on first
// use.
func (s *Sync) registerQueue(peer int) *SyncQueue {
	if q, ok := s.queues[peer]; ok {
		return q
	}
	q := NewSyncQueue()
	s.queues[peer] = q
	s.peers = append(s.peers, peer)
	sort.Ints(s.peers)
	return q
}

// wireEvent is the serialised form of an event crossing partitions. The
// sender's sequence number is partition-local and therefore not shipped;
// the receiver re-stamps events in arrival order.
type wireEvent struct {
	DeliveryTime SimTime `json:"delivery_time"`
	Priority     uint8   `json:"priority"`
	LinkID       LinkID  `json:"link_id"`
	Init         bool    `json:"init,omitempty"`
	Payload      []byte  `json:"payload,omitempty"`
}

// syncBatch is one barrier payload. Epoch and Time double as the lockstep
// check: peers at a different barrier count or cycle are desynchronised.
type syncBatch struct {
	Epoch  uint64      `json:"epoch"`
	Time   SimTime     `json:"time"`
	Events []wireEvent `json:"events"`
}

func encodeBatch(epoch uint64, now SimTime, activities []Activity) ([]byte, error) {
	batch := syncBatch{Epoch: epoch, Time: now, Events: make([]wireEvent, 0, len(activities))}
	for _, a := range activities {
		ev, ok := a.(*Event)
		if !ok {
			return nil, fmt.Errorf("%w: non-event activity %T in sync queue", ErrProtocol, a)
		}
		batch.Events = append(batch.Events, wireEvent{
			DeliveryTime: ev.DeliveryTime(),
			Priority:     ev.Priority(),
			LinkID:       ev.LinkID(),
			Init:         ev.initData,
			Payload:      ev.Payload,
		})
	}
	return json.Marshal(batch)
}

// exchange runs the send/recv/wait dance with every peer and returns the
// received batches keyed by peer rank. Send buffers are cleared only after
// the collective wait succeeds.
func (s *Sync) exchange(now SimTime, tag int) (map[int]syncBatch, error) {
	recvs := make(map[int]*Request, len(s.peers))
	reqs := make([]*Request, 0, 2*len(s.peers))

	for _, peer := range s.peers {
		payload, err := encodeBatch(s.epoch, now, s.queues[peer].Vector())
		if err != nil {
			return nil, err
		}
		sreq := s.transport.ISend(peer, tag, payload)
		rreq := s.transport.IRecv(peer, tag)
		recvs[peer] = rreq
		reqs = append(reqs, sreq, rreq)
	}
	if err := s.transport.WaitAll(reqs); err != nil {
		return nil, err
	}

	for _, peer := range s.peers {
		s.queues[peer].Clear()
	}

	batches := make(map[int]syncBatch, len(s.peers))
	for _, peer := range s.peers {
		var batch syncBatch
		if err := json.Unmarshal(recvs[peer].Data(), &batch); err != nil {
			return nil, fmt.Errorf("%w: undecodable batch from rank %d: %v", ErrProtocol, peer, err)
		}
		if batch.Epoch != s.epoch || batch.Time != now {
			return nil, fmt.Errorf("%w: barrier desync with rank %d: peer at (epoch %d, t=%d), local (epoch %d, t=%d)",
				ErrProtocol, peer, batch.Epoch, batch.Time, s.epoch, now)
		}
		batches[peer] = batch
	}
	return batches, nil
}

// Execute runs one barrier: exchange buffered events with every peer,
// deliver the received ones to their local links, and recur.
func (s *Sync) Execute(sim *Simulation) error {
	s.state = syncExchanging
	batches, err := s.exchange(sim.now, tagSync)
	if err != nil {
		return err
	}

	s.state = syncDispatching
	received := 0
	for _, peer := range s.peers {
		for _, we := range batches[peer].Events {
			link, ok := sim.links[we.LinkID]
			if !ok {
				return fmt.Errorf("%w: barrier event for unknown link %d from rank %d", ErrProtocol, we.LinkID, peer)
			}
			if we.DeliveryTime < sim.now {
				return fmt.Errorf("%w: barrier event on link %d from rank %d delivers at t=%d, now t=%d",
					ErrProtocol, we.LinkID, peer, we.DeliveryTime, sim.now)
			}
			ev := NewEvent(we.Payload)
			ev.delivery = we.DeliveryTime
			ev.priority = we.Priority
			ev.initData = we.Init
			ev.sequence = sim.seq.Next()
			if err := link.deliverLocal(ev); err != nil {
				return err
			}
			received++
		}
	}
	logrus.Debugf("[t %07d] rank %d: barrier epoch %d exchanged %d peers, received %d events",
		sim.now, sim.rank, s.epoch, len(s.peers), received)

	s.state = syncIdle
	s.epoch++
	sim.barriers++

	s.reschedule(sim.now+s.period, sim.seq)
	return sim.insert(s)
}

// ExchangeLinkInitData runs the init-phase variant once before the run loop
// starts: every link's pending init events are drained into the appropriate
// sync queue (or looped back locally), the same send/recv/wait dance runs,
// and received items are re-stamped by the receiving link. Run-phase events
// already buffered for a peer are held back and stay queued for the first
// barrier.
func (s *Sync) ExchangeLinkInitData(sim *Simulation) error {
	held := make(map[int][]Activity, len(s.queues))
	for peer, q := range s.queues {
		held[peer] = append([]Activity(nil), q.Vector()...)
		q.Clear()
	}

	for _, id := range sim.sortedLinkIDs() {
		link := sim.links[id]
		for _, ev := range link.initSend {
			if link.peerRank < 0 {
				ev.linkID = 0
				link.receiveInitData(ev)
				continue
			}
			ev.linkID = link.id
			s.registerQueue(link.peerRank).Insert(ev)
		}
		link.initSend = nil
	}

	if len(s.peers) == 0 {
		return nil
	}

	batches, err := s.exchange(0, tagInit)
	if err != nil {
		return err
	}
	for peer, pending := range held {
		for _, a := range pending {
			s.queues[peer].Insert(a)
		}
	}
	for _, peer := range s.peers {
		for _, we := range batches[peer].Events {
			link, ok := sim.links[we.LinkID]
			if !ok {
				return fmt.Errorf("%w: init data for unknown link %d from rank %d", ErrProtocol, we.LinkID, peer)
			}
			ev := NewEvent(we.Payload)
			ev.delivery = we.DeliveryTime
			ev.priority = we.Priority
			ev.initData = true
			ev.sequence = sim.seq.Next()
			// The receiving link re-stamps the id.
			ev.linkID = 0
			link.receiveInitData(ev)
		}
	}
	return nil
}
