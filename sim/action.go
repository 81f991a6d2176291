package sim

import "github.com/sirupsen/logrus"

// Actions are system-originated activities: clock ticks, the partition
// barrier, and stop requests. Recurring actions re-insert themselves with a
// fresh sequence number when executed.

// StopAction terminates the run loop when it dispatches. Its priority is the
// lowest of the built-in activities, so user work scheduled for the same
// cycle still dispatches first.
type StopAction struct {
	baseActivity
}

// NewStopAction creates a stop request for the given cycle.
func NewStopAction(at SimTime, seq *Sequencer) *StopAction {
	return &StopAction{baseActivity{
		delivery: at,
		priority: PriorityStop,
		sequence: seq.Next(),
	}}
}

// Execute halts the simulation loop.
func (a *StopAction) Execute(sim *Simulation) error {
	logrus.Infof("[t %07d] rank %d: stop action fired", sim.now, sim.rank)
	sim.stopped = true
	return nil
}

// ClockHandler is invoked on every tick of a registered clock with the
// current cycle.
type ClockHandler func(cycle SimTime) error

// ClockTickAction drives a recurring clock. Components register a handler
// and a period; the action re-inserts itself after every tick.
type ClockTickAction struct {
	baseActivity
	name    string
	period  SimTime
	handler ClockHandler
}

// Name returns the checkpoint identity of the clock.
func (a *ClockTickAction) Name() string { return a.name }

// Period returns the tick period in cycles.
func (a *ClockTickAction) Period() SimTime { return a.period }

// Execute invokes the tick handler and reschedules the next tick.
func (a *ClockTickAction) Execute(sim *Simulation) error {
	if err := a.handler(sim.now); err != nil {
		return err
	}
	a.reschedule(sim.now+a.period, sim.seq)
	return sim.insert(a)
}
