package sim

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSimulation_CreateLinkValidation verifies the configuration-phase
// guards of the link table.
func TestSimulation_CreateLinkValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 2
	cfg.SyncPeriod = 5
	s, err := NewSimulation(cfg, 0, NewFabric(2).Endpoint(0))
	require.NoError(t, err)

	_, err = s.CreateLink(1, 5, -1)
	require.NoError(t, err)

	_, err = s.CreateLink(1, 5, -1)
	assert.ErrorIs(t, err, ErrConfig, "duplicate id")

	_, err = s.CreateLink(2, 5, 2)
	assert.ErrorIs(t, err, ErrConfig, "peer rank out of range")

	_, err = s.CreateLink(3, 5, 0)
	assert.ErrorIs(t, err, ErrConfig, "peer rank equals local rank")

	_, err = s.CreateLink(4, 0, 1)
	assert.ErrorIs(t, err, ErrConfig, "zero latency across partitions")
}

// TestSimulation_RegisterLinkBindsSendSide verifies the send-side routing:
// remote links get the peer's sync queue, local links send into the vortex.
func TestSimulation_RegisterLinkBindsSendSide(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 2
	cfg.SyncPeriod = 5
	s, err := NewSimulation(cfg, 0, NewFabric(2).Endpoint(0))
	require.NoError(t, err)

	remote, err := s.CreateLink(1, 5, 1)
	require.NoError(t, err)
	q := s.RegisterLink(1, 1, remote)
	require.NotNil(t, q)
	assert.Same(t, q, remote.sendQueue)

	local, err := s.CreateLink(2, 5, -1)
	require.NoError(t, err)
	assert.Nil(t, s.RegisterLink(-1, 2, local))
	assert.Same(t, s.vortex, local.sendQueue)
	assert.Same(t, local, s.Link(2))
}

// TestSimulation_NewSimulationValidation verifies rank range and transport
// requirements.
func TestSimulation_NewSimulationValidation(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewSimulation(cfg, 1, nil)
	assert.ErrorIs(t, err, ErrConfig, "rank out of range")

	cfg.Partitions = 2
	cfg.SyncPeriod = 5
	_, err = NewSimulation(cfg, 0, nil)
	assert.ErrorIs(t, err, ErrConfig, "multi-partition run without transport")
}

// TestSimulation_PhaseGuards verifies the config -> run -> done lifecycle:
// no links after Init, no Run before Init, no double Init.
func TestSimulation_PhaseGuards(t *testing.T) {
	s := newLocalSim(t)

	assert.ErrorIs(t, s.Run(), ErrConfig, "Run before Init")
	assert.ErrorIs(t, s.RunUntil(10), ErrConfig, "RunUntil before Init")

	require.NoError(t, s.Init())
	assert.ErrorIs(t, s.Init(), ErrConfig, "double Init")

	_, err := s.CreateLink(1, 1, -1)
	assert.ErrorIs(t, err, ErrConfig, "link created after configuration phase")
}

// TestSimulation_InsertBehindClockIsProtocolError verifies the vortex never
// accepts an activity older than the clock.
func TestSimulation_InsertBehindClockIsProtocolError(t *testing.T) {
	s := newLocalSim(t)
	require.NoError(t, s.Init())
	s.now = 50

	ev := NewEvent(nil)
	ev.delivery = 49
	ev.sequence = s.seq.Next()
	assert.ErrorIs(t, s.InsertActivity(ev), ErrProtocol)

	ev2 := NewEvent(nil)
	ev2.delivery = 50
	ev2.sequence = s.seq.Next()
	assert.NoError(t, s.InsertActivity(ev2), "insert at the current cycle is legal")
}

// TestSimulation_ClockTicksAtEveryPeriod verifies the first tick lands one
// period after registration and the clock recurs until the stop.
func TestSimulation_ClockTicksAtEveryPeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopAt = 35
	s, err := NewSimulation(cfg, 0, nil)
	require.NoError(t, err)

	var ticks []SimTime
	require.NoError(t, s.ScheduleClock("main", 10, func(cycle SimTime) error {
		ticks = append(ticks, cycle)
		return nil
	}))
	require.NoError(t, s.Init())
	require.NoError(t, s.Run())

	assert.Equal(t, []SimTime{10, 20, 30}, ticks)
	assert.Equal(t, SimTime(35), s.Now())
}

// TestSimulation_ScheduleClockValidation verifies zero periods, duplicate
// names and nil handlers are rejected.
func TestSimulation_ScheduleClockValidation(t *testing.T) {
	s := newLocalSim(t)
	noop := func(cycle SimTime) error { return nil }

	assert.ErrorIs(t, s.ScheduleClock("z", 0, noop), ErrConfig)
	assert.ErrorIs(t, s.ScheduleClock("n", 5, nil), ErrConfig)
	require.NoError(t, s.ScheduleClock("main", 5, noop))
	assert.ErrorIs(t, s.ScheduleClock("main", 5, noop), ErrConfig)
}

// TestSimulation_SameCycleTickRunsBeforeStop verifies that a clock tick
// scheduled for the stop cycle still fires, and nothing after it does.
func TestSimulation_SameCycleTickRunsBeforeStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopAt = 100
	s, err := NewSimulation(cfg, 0, nil)
	require.NoError(t, err)

	var ticks []SimTime
	require.NoError(t, s.ScheduleClock("main", 50, func(cycle SimTime) error {
		ticks = append(ticks, cycle)
		return nil
	}))
	require.NoError(t, s.Init())
	require.NoError(t, s.Run())

	assert.Equal(t, []SimTime{50, 100}, ticks)
	assert.Equal(t, SimTime(100), s.Now())
}

// TestSimulation_SameCyclePriorityOrder verifies that within one cycle an
// event with a lowered priority value dispatches ahead of a clock tick, and
// the default event priority dispatches after it.
func TestSimulation_SameCyclePriorityOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopAt = 15
	s, err := NewSimulation(cfg, 0, nil)
	require.NoError(t, err)

	var order []string
	l, err := s.CreateLink(1, 10, -1)
	require.NoError(t, err)
	require.NoError(t, l.SetHandler("h", func(ev *Event) error {
		order = append(order, string(ev.Payload))
		return nil
	}))
	require.NoError(t, s.ScheduleClock("main", 10, func(cycle SimTime) error {
		order = append(order, "tick")
		return nil
	}))

	urgent := NewEvent([]byte("urgent"))
	urgent.SetPriority(PrioritySync + 1)
	require.NoError(t, l.Send(10, urgent))
	require.NoError(t, l.Send(10, NewEvent([]byte("normal"))))

	require.NoError(t, s.Init())
	require.NoError(t, s.Run())

	assert.Equal(t, []string{"urgent", "tick", "normal"}, order)
}

// TestSimulation_SameKeyEventsAreFIFO verifies two events with identical
// (cycle, priority) deliver in send order.
func TestSimulation_SameKeyEventsAreFIFO(t *testing.T) {
	s := newLocalSim(t)

	var got []string
	l, err := s.CreateLink(1, 5, -1)
	require.NoError(t, err)
	require.NoError(t, l.SetHandler("h", func(ev *Event) error {
		got = append(got, string(ev.Payload))
		return nil
	}))

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Send(5, NewEvent([]byte(fmt.Sprintf("e%d", i)))))
	}
	require.NoError(t, s.Init())
	require.NoError(t, s.Run())

	assert.Equal(t, []string{"e0", "e1", "e2", "e3"}, got)
}

// TestSimulation_HandlerErrorAbortsRun verifies a failing handler surfaces
// from Run and halts dispatching.
func TestSimulation_HandlerErrorAbortsRun(t *testing.T) {
	s := newLocalSim(t)

	calls := 0
	l, err := s.CreateLink(1, 1, -1)
	require.NoError(t, err)
	require.NoError(t, l.SetHandler("h", func(ev *Event) error {
		calls++
		return fmt.Errorf("model failure")
	}))
	require.NoError(t, l.Send(1, NewEvent(nil)))
	require.NoError(t, l.Send(2, NewEvent(nil)))
	require.NoError(t, s.Init())

	err = s.Run()
	require.Error(t, err)
	assert.Equal(t, 1, calls, "dispatching must halt at the first failure")
}

// TestSimulation_EventForUnknownLinkIsProtocolError verifies dispatching an
// event whose link is not in the table aborts the run.
func TestSimulation_EventForUnknownLinkIsProtocolError(t *testing.T) {
	s := newLocalSim(t)
	require.NoError(t, s.Init())

	ev := NewEvent(nil)
	ev.delivery = 5
	ev.linkID = 99
	ev.sequence = s.seq.Next()
	require.NoError(t, s.InsertActivity(ev))

	assert.ErrorIs(t, s.Run(), ErrProtocol)
}

// TestSimulation_RunUntilStopsAtBoundary verifies RunUntil dispatches
// strictly before the limit and leaves the rest pending.
func TestSimulation_RunUntilStopsAtBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopAt = 100
	s, err := NewSimulation(cfg, 0, nil)
	require.NoError(t, err)

	var ticks []SimTime
	require.NoError(t, s.ScheduleClock("main", 20, func(cycle SimTime) error {
		ticks = append(ticks, cycle)
		return nil
	}))
	require.NoError(t, s.Init())

	require.NoError(t, s.RunUntil(60))
	assert.Equal(t, []SimTime{20, 40}, ticks, "tick at t=60 is not before the limit")

	require.NoError(t, s.Run())
	assert.Equal(t, []SimTime{20, 40, 60, 80, 100}, ticks)
}
