package sim

import (
	"encoding/json"
	"fmt"
	"os"
)

// activityRecord is the serialised form of one pending activity. Kind
// selects which fields are meaningful: events carry LinkID and Payload,
// clock ticks carry Name and Period, stop and sync carry only the ordering
// key.
type activityRecord struct {
	Kind     string  `json:"kind"`
	Delivery SimTime `json:"delivery"`
	Priority uint8   `json:"priority"`
	Sequence uint64  `json:"sequence"`
	LinkID   LinkID  `json:"link_id,omitempty"`
	Init     bool    `json:"init,omitempty"`
	Payload  []byte  `json:"payload,omitempty"`
	Name     string  `json:"name,omitempty"`
	Period   SimTime `json:"period,omitempty"`
}

// linkRecord captures one link's configuration and its undelivered events.
// Handler holds the registered handler name; handlers themselves are code
// and are re-bound from Bindings on restore.
type linkRecord struct {
	ID       LinkID           `json:"id"`
	Latency  SimTime          `json:"latency"`
	PeerRank int              `json:"peer_rank"`
	TimeBase SimTime          `json:"time_base,omitempty"`
	Polled   bool             `json:"polled,omitempty"`
	Handler  string           `json:"handler,omitempty"`
	Pending  []activityRecord `json:"pending,omitempty"`
	InitRecv []activityRecord `json:"init_recv,omitempty"`
}

// peerQueueRecord captures the events buffered toward one peer since the
// last barrier.
type peerQueueRecord struct {
	Peer   int              `json:"peer"`
	Events []activityRecord `json:"events"`
}

// Checkpoint is the complete restorable state of one partition: clock,
// sequencer, vortex contents, link table, barrier state and the
// cross-partition send buffers. Handlers and clock callbacks are not part
// of it; they are re-bound by name on restore.
type Checkpoint struct {
	Rank       int               `json:"rank"`
	NumRanks   int               `json:"num_ranks"`
	Now        SimTime           `json:"now"`
	Sequence   uint64            `json:"sequence"`
	SyncPeriod SimTime           `json:"sync_period,omitempty"`
	SyncEpoch  uint64            `json:"sync_epoch,omitempty"`
	Vortex     []activityRecord  `json:"vortex"`
	Links      []linkRecord      `json:"links"`
	SyncQueues []peerQueueRecord `json:"sync_queues,omitempty"`
	Dispatches uint64            `json:"dispatches"`
	Barriers   uint64            `json:"barriers"`
}

// Bindings maps the stable names stored in a checkpoint back to code. Every
// handler name and clock name present in the checkpoint must have an entry.
type Bindings struct {
	Handlers map[string]EventHandler
	Clocks   map[string]ClockHandler
}

func encodeActivity(a Activity) (activityRecord, error) {
	rec := activityRecord{
		Delivery: a.DeliveryTime(),
		Priority: a.Priority(),
		Sequence: a.Sequence(),
	}
	switch v := a.(type) {
	case *Event:
		rec.Kind = "event"
		rec.LinkID = v.LinkID()
		rec.Init = v.initData
		rec.Payload = v.Payload
	case *ClockTickAction:
		rec.Kind = "clock"
		rec.Name = v.name
		rec.Period = v.period
	case *StopAction:
		rec.Kind = "stop"
	case *Sync:
		rec.Kind = "sync"
	default:
		return rec, fmt.Errorf("%w: cannot checkpoint activity %T", ErrProtocol, a)
	}
	return rec, nil
}

func encodeEvents(activities []Activity) ([]activityRecord, error) {
	out := make([]activityRecord, 0, len(activities))
	for _, a := range activities {
		rec, err := encodeActivity(a)
		if err != nil {
			return nil, err
		}
		if rec.Kind != "event" {
			return nil, fmt.Errorf("%w: non-event activity %T in link queue", ErrProtocol, a)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r activityRecord) event() *Event {
	ev := NewEvent(r.Payload)
	ev.delivery = r.Delivery
	ev.priority = r.Priority
	ev.sequence = r.Sequence
	ev.linkID = r.LinkID
	ev.initData = r.Init
	return ev
}

// Save captures the partition's state. Only legal between dispatches of the
// run phase: a checkpoint taken mid-activity would lose the activity being
// executed.
func Save(s *Simulation) (*Checkpoint, error) {
	if s.phase != phaseRun {
		return nil, fmt.Errorf("%w: checkpoint outside the run phase", ErrProtocol)
	}

	cp := &Checkpoint{
		Rank:       s.rank,
		NumRanks:   s.numRanks,
		Now:        s.now,
		Sequence:   s.seq.next,
		SyncPeriod: s.sync.period,
		SyncEpoch:  s.sync.epoch,
		Dispatches: s.dispatches,
		Barriers:   s.barriers,
	}

	for _, a := range s.vortex.Ordered() {
		rec, err := encodeActivity(a)
		if err != nil {
			return nil, err
		}
		cp.Vortex = append(cp.Vortex, rec)
	}

	for _, id := range s.sortedLinkIDs() {
		l := s.links[id]
		lr := linkRecord{
			ID:       l.id,
			Latency:  l.latency,
			PeerRank: l.peerRank,
			TimeBase: l.timeBase,
			Polled:   l.poll != nil,
			Handler:  l.handlerName,
		}
		if l.poll != nil {
			pending, err := encodeEvents(l.poll.Ordered())
			if err != nil {
				return nil, err
			}
			lr.Pending = pending
		}
		if l.initRecv != nil {
			recv, err := encodeEvents(l.initRecv.Ordered())
			if err != nil {
				return nil, err
			}
			lr.InitRecv = recv
		}
		cp.Links = append(cp.Links, lr)
	}

	for _, peer := range s.sync.peers {
		events, err := encodeEvents(s.sync.queues[peer].Vector())
		if err != nil {
			return nil, err
		}
		cp.SyncQueues = append(cp.SyncQueues, peerQueueRecord{Peer: peer, Events: events})
	}

	return cp, nil
}

// Restore builds a partition from a checkpoint. The topology is rebuilt
// from the link records, handlers and clocks are re-bound through bindings,
// and every pending activity keeps its stored ordering key, so the restored
// run dispatches in exactly the order the original would have. Init must
// not be called on the result; the barrier and stop already sit in the
// restored vortex.
func Restore(cfg Config, transport Transport, cp *Checkpoint, bindings Bindings) (*Simulation, error) {
	if cp.NumRanks != cfg.Partitions {
		return nil, fmt.Errorf("%w: checkpoint has %d partitions, config has %d",
			ErrConfig, cp.NumRanks, cfg.Partitions)
	}
	s, err := NewSimulation(cfg, cp.Rank, transport)
	if err != nil {
		return nil, err
	}

	for _, lr := range cp.Links {
		l, err := s.CreateLink(lr.ID, lr.Latency, lr.PeerRank)
		if err != nil {
			return nil, err
		}
		if lr.TimeBase != 0 {
			if err := l.SetDefaultTimeBase(lr.TimeBase); err != nil {
				return nil, err
			}
		}
		switch {
		case lr.Polled:
			if err := l.SetPolling(); err != nil {
				return nil, err
			}
		case lr.Handler != "":
			fn, ok := bindings.Handlers[lr.Handler]
			if !ok {
				return nil, fmt.Errorf("%w: no binding for handler %q on link %d",
					ErrConfig, lr.Handler, lr.ID)
			}
			if err := l.SetHandler(lr.Handler, fn); err != nil {
				return nil, err
			}
		}
		for _, rec := range lr.Pending {
			if err := l.poll.Insert(rec.event()); err != nil {
				return nil, err
			}
		}
		for _, rec := range lr.InitRecv {
			if l.initRecv == nil {
				l.initRecv = NewPollingLinkQueue()
			}
			if err := l.initRecv.Insert(rec.event()); err != nil {
				return nil, err
			}
		}
	}

	// The clock moves before the inserts so the past-insert guard accepts
	// activities scheduled at or after the checkpointed cycle.
	s.now = cp.Now
	s.seq.next = cp.Sequence
	s.dispatches = cp.Dispatches
	s.barriers = cp.Barriers
	s.sync.epoch = cp.SyncEpoch

	for _, rec := range cp.Vortex {
		switch rec.Kind {
		case "event":
			if err := s.insert(rec.event()); err != nil {
				return nil, err
			}
		case "stop":
			a := &StopAction{baseActivity: baseActivity{
				delivery: rec.Delivery,
				priority: rec.Priority,
				sequence: rec.Sequence,
			}}
			if err := s.insert(a); err != nil {
				return nil, err
			}
		case "clock":
			fn, ok := bindings.Clocks[rec.Name]
			if !ok {
				return nil, fmt.Errorf("%w: no binding for clock %q", ErrConfig, rec.Name)
			}
			a := &ClockTickAction{
				baseActivity: baseActivity{
					delivery: rec.Delivery,
					priority: rec.Priority,
					sequence: rec.Sequence,
				},
				name:    rec.Name,
				period:  rec.Period,
				handler: fn,
			}
			s.clocks[rec.Name] = a
			if err := s.insert(a); err != nil {
				return nil, err
			}
		case "sync":
			s.sync.baseActivity = baseActivity{
				delivery: rec.Delivery,
				priority: rec.Priority,
				sequence: rec.Sequence,
			}
			if err := s.insert(s.sync); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown activity kind %q in checkpoint", ErrConfig, rec.Kind)
		}
	}

	for _, qr := range cp.SyncQueues {
		q := s.sync.registerQueue(qr.Peer)
		for _, rec := range qr.Events {
			if err := q.Insert(rec.event()); err != nil {
				return nil, err
			}
		}
	}

	for _, l := range s.links {
		l.frozen = true
	}
	s.phase = phaseRun
	return s, nil
}

// WriteFile saves a checkpoint as indented JSON.
func (cp *Checkpoint) WriteFile(path string) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint loads a checkpoint written by WriteFile.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
