package sim

import "errors"

// Error taxonomy. Configuration errors are detected before the run phase and
// reported to the caller; protocol errors signal a bug in the simulation
// (unknown link id, time regress, desynchronised barrier) and abort the run.
var (
	// ErrConfig marks errors detected while validating configuration or
	// wiring the model, before any activity dispatches.
	ErrConfig = errors.New("configuration error")

	// ErrProtocol marks fatal inconsistencies observed during the run
	// phase. Recovery is impossible: the simulation state is no longer
	// trustworthy once one of these surfaces.
	ErrProtocol = errors.New("protocol error")

	// ErrVortexCapacity is returned when a bounded time vortex overflows.
	ErrVortexCapacity = errors.New("time vortex capacity exceeded")
)
