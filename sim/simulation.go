package sim

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vortex-sim/vortex-sim/sim/store"
	"github.com/vortex-sim/vortex-sim/sim/trace"
)

// phase tracks the partition lifecycle: links are created during the
// configuration phase, init data is exchanged during init, and the run
// phase dispatches activities. No links are created once the run starts.
type phase int

const (
	phaseConfig phase = iota
	phaseRun
	phaseDone
)

// Simulation is one partition's worker: it owns the clock, the time vortex,
// the link table and the barrier. Everything that needs the clock or the
// vortex receives the Simulation explicitly; there is no process-global
// current simulation.
type Simulation struct {
	cfg      Config
	rank     int
	numRanks int

	now     SimTime
	seq     *Sequencer
	vortex  *TimeVortex
	links   map[LinkID]*Link
	clocks  map[string]*ClockTickAction
	sync    *Sync
	stopped bool
	phase   phase

	trace     *trace.Recorder
	telemetry *store.Store

	dispatches uint64
	barriers   uint64
}

// NewSimulation creates the partition worker for rank. transport may be nil
// for single-partition runs.
func NewSimulation(cfg Config, rank int, transport Transport) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= cfg.Partitions {
		return nil, fmt.Errorf("%w: rank %d out of range for %d partitions", ErrConfig, rank, cfg.Partitions)
	}
	if cfg.Partitions > 1 && transport == nil {
		return nil, fmt.Errorf("%w: %d partitions need a transport", ErrConfig, cfg.Partitions)
	}
	s := &Simulation{
		cfg:      cfg,
		rank:     rank,
		numRanks: cfg.Partitions,
		seq:      &Sequencer{},
		vortex:   NewTimeVortex(cfg.VortexCapacity),
		links:    make(map[LinkID]*Link),
		clocks:   make(map[string]*ClockTickAction),
	}
	s.sync = newSync(cfg.SyncPeriod, transport)
	return s, nil
}

// Now returns the current simulation cycle.
func (s *Simulation) Now() SimTime { return s.now }

// Rank returns this partition's rank.
func (s *Simulation) Rank() int { return s.rank }

// NumRanks returns the partition count of the run.
func (s *Simulation) NumRanks() int { return s.numRanks }

// Vortex exposes the partition's time vortex.
func (s *Simulation) Vortex() *TimeVortex { return s.vortex }

// SetTrace attaches a dispatch trace recorder.
func (s *Simulation) SetTrace(r *trace.Recorder) { s.trace = r }

// SetTelemetry attaches the SQLite telemetry sink flushed when the run loop
// terminates.
func (s *Simulation) SetTelemetry(st *store.Store) { s.telemetry = st }

// CreateLink creates a link during the configuration phase. peerRank is the
// rank owning the remote endpoint, or -1 when both endpoints are local.
// Cross-partition links must have a non-zero latency; the lookahead the
// barrier relies on is exactly that minimum.
func (s *Simulation) CreateLink(id LinkID, latency SimTime, peerRank int) (*Link, error) {
	if s.phase != phaseConfig {
		return nil, fmt.Errorf("%w: link %d created after configuration phase", ErrConfig, id)
	}
	if _, dup := s.links[id]; dup {
		return nil, fmt.Errorf("%w: duplicate link id %d", ErrConfig, id)
	}
	if peerRank >= s.numRanks {
		return nil, fmt.Errorf("%w: link %d peer rank %d out of range", ErrConfig, id, peerRank)
	}
	if peerRank == s.rank {
		return nil, fmt.Errorf("%w: link %d peer rank equals local rank, use -1 for local links", ErrConfig, id)
	}
	if peerRank >= 0 && latency == 0 {
		return nil, fmt.Errorf("%w: link %d crosses partitions with zero latency", ErrConfig, id)
	}
	l := &Link{
		id:       id,
		latency:  latency,
		peerRank: peerRank,
		clock:    s,
		seq:      s.seq,
		vortex:   s.vortex,
	}
	s.RegisterLink(peerRank, id, l)
	return l, nil
}

// ConnectLocal creates the two opposed links of a bidirectional local
// channel.
func (s *Simulation) ConnectLocal(ab, ba LinkID, abLatency, baLatency SimTime) (*Link, *Link, error) {
	la, err := s.CreateLink(ab, abLatency, -1)
	if err != nil {
		return nil, nil, err
	}
	lb, err := s.CreateLink(ba, baLatency, -1)
	if err != nil {
		return nil, nil, err
	}
	return la, lb, nil
}

// RegisterLink records a link in the partition's link table and binds its
// send side. For a remote peer it returns the SyncQueue the link sends
// into; for local links it returns nil.
func (s *Simulation) RegisterLink(peerRank int, id LinkID, l *Link) *SyncQueue {
	s.links[id] = l
	if peerRank >= 0 && peerRank != s.rank {
		q := s.sync.registerQueue(peerRank)
		l.sendQueue = q
		return q
	}
	l.sendQueue = s.vortex
	return nil
}

// Link returns the link registered under id, or nil.
func (s *Simulation) Link(id LinkID) *Link { return s.links[id] }

// ScheduleClock registers a recurring clock. The first tick fires one
// period from the current cycle. The name is the stable identity used to
// re-bind the handler when restoring a checkpoint.
func (s *Simulation) ScheduleClock(name string, period SimTime, fn ClockHandler) error {
	if period == 0 {
		return fmt.Errorf("%w: clock %q period must be > 0", ErrConfig, name)
	}
	if _, dup := s.clocks[name]; dup {
		return fmt.Errorf("%w: duplicate clock %q", ErrConfig, name)
	}
	if fn == nil {
		return fmt.Errorf("%w: clock %q handler must not be nil", ErrConfig, name)
	}
	a := &ClockTickAction{
		baseActivity: baseActivity{
			delivery: s.now + period,
			priority: PriorityClock,
			sequence: s.seq.Next(),
		},
		name:    name,
		period:  period,
		handler: fn,
	}
	s.clocks[name] = a
	return s.insert(a)
}

// ScheduleStop inserts a stop action at the given cycle.
func (s *Simulation) ScheduleStop(at SimTime) error {
	return s.insert(NewStopAction(at, s.seq))
}

// InsertActivity schedules a into the time vortex. Scheduling into the past
// is a protocol error: the vortex never holds an activity older than the
// clock.
func (s *Simulation) InsertActivity(a Activity) error {
	return s.insert(a)
}

func (s *Simulation) insert(a Activity) error {
	if a.DeliveryTime() < s.now {
		return fmt.Errorf("%w: insert at t=%d behind clock t=%d", ErrProtocol, a.DeliveryTime(), s.now)
	}
	return s.vortex.Insert(a)
}

// minCrossLatency returns the smallest latency among links whose peer lives
// on another partition, and whether any such link exists.
func (s *Simulation) minCrossLatency() (SimTime, bool) {
	var minLat SimTime
	found := false
	for _, l := range s.links {
		if l.peerRank < 0 {
			continue
		}
		if !found || l.latency < minLat {
			minLat = l.latency
			found = true
		}
	}
	return minLat, found
}

func (s *Simulation) sortedLinkIDs() []LinkID {
	ids := make([]LinkID, 0, len(s.links))
	for id := range s.links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Init ends the configuration phase: it checks the barrier period against
// the model's lookahead, exchanges link init data, freezes every link's
// endpoint binding, and schedules the recurring barrier and the configured
// stop.
func (s *Simulation) Init() error {
	if s.phase != phaseConfig {
		return fmt.Errorf("%w: Init called twice", ErrConfig)
	}

	if minLat, hasCross := s.minCrossLatency(); hasCross {
		if s.cfg.SyncPeriod > minLat {
			return fmt.Errorf("%w: sync_period %d exceeds minimum cross-partition latency %d",
				ErrConfig, s.cfg.SyncPeriod, minLat)
		}
	}

	if err := s.sync.ExchangeLinkInitData(s); err != nil {
		return err
	}

	for _, l := range s.links {
		l.frozen = true
	}

	if s.numRanks > 1 && len(s.sync.peers) > 0 {
		s.sync.reschedule(s.now+s.sync.period, s.seq)
		if err := s.insert(s.sync); err != nil {
			return err
		}
	}
	if s.cfg.StopAt > 0 {
		if err := s.ScheduleStop(s.cfg.StopAt); err != nil {
			return err
		}
	}

	s.phase = phaseRun
	return nil
}

// Run drives the partition: pop the next activity, advance the clock to its
// delivery time, execute. The loop ends when the vortex drains, a stop
// action fires, or an error surfaces. Telemetry is flushed on every exit
// path.
func (s *Simulation) Run() error {
	if s.phase != phaseRun {
		return fmt.Errorf("%w: Run before Init", ErrConfig)
	}
	started := time.Now()

	var runErr error
	for !s.stopped && !s.vortex.Empty() {
		if err := s.dispatch(s.vortex.Pop()); err != nil {
			runErr = err
			break
		}
	}
	s.phase = phaseDone

	s.flushTelemetry(started, runErr)
	if runErr != nil {
		logrus.Errorf("[t %07d] rank %d: simulation aborted after %d dispatches: %v",
			s.now, s.rank, s.dispatches, runErr)
		return runErr
	}
	logrus.Infof("[t %07d] rank %d: simulation ended, %d dispatches, %d barriers",
		s.now, s.rank, s.dispatches, s.barriers)
	return nil
}

// RunUntil dispatches every activity scheduled before the given cycle and
// returns with the partition still in the run phase. It is the stepping
// primitive behind checkpointing: after RunUntil(t), Save captures the
// partition exactly at the boundary, with everything at or after t still
// pending. Unless a stop fires first, the clock is left at the limit.
func (s *Simulation) RunUntil(limit SimTime) error {
	if s.phase != phaseRun {
		return fmt.Errorf("%w: RunUntil before Init", ErrConfig)
	}
	for !s.stopped {
		front := s.vortex.Front()
		if front == nil || front.DeliveryTime() >= limit {
			if limit > s.now {
				s.now = limit
			}
			return nil
		}
		if err := s.dispatch(s.vortex.Pop()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulation) dispatch(a Activity) error {
	if a.DeliveryTime() < s.now {
		return fmt.Errorf("%w: time regress, popped t=%d behind clock t=%d",
			ErrProtocol, a.DeliveryTime(), s.now)
	}
	s.now = a.DeliveryTime()
	s.dispatches++
	logrus.Debugf("[t %07d] rank %d: executing %s seq=%d", s.now, s.rank, kindOf(a), a.Sequence())
	if s.trace != nil {
		s.trace.Record(dispatchRecord(a))
	}
	return a.Execute(s)
}

func (s *Simulation) flushTelemetry(started time.Time, runErr error) {
	if s.telemetry == nil {
		return
	}
	outcome := "ok"
	if runErr != nil {
		outcome = runErr.Error()
	}
	rec := store.RunRecord{
		Rank:       s.rank,
		StartedAt:  started,
		EndedAt:    time.Now(),
		FinalTime:  uint64(s.now),
		Dispatches: s.dispatches,
		Barriers:   s.barriers,
		Outcome:    outcome,
	}
	if err := s.telemetry.RecordRun(rec); err != nil {
		logrus.Warnf("rank %d: telemetry flush failed: %v", s.rank, err)
	}
}

func kindOf(a Activity) string {
	switch a.(type) {
	case *Event:
		return "event"
	case *ClockTickAction:
		return "clock"
	case *StopAction:
		return "stop"
	case *Sync:
		return "sync"
	default:
		return fmt.Sprintf("%T", a)
	}
}

func dispatchRecord(a Activity) trace.Dispatch {
	rec := trace.Dispatch{
		Time:     uint64(a.DeliveryTime()),
		Kind:     kindOf(a),
		Priority: a.Priority(),
		Sequence: a.Sequence(),
	}
	if ev, ok := a.(*Event); ok {
		rec.LinkID = uint64(ev.LinkID())
		rec.Payload = string(ev.Payload)
	}
	return rec
}
