// Package sim implements a conservative parallel discrete-event simulation
// core. A model is split into partitions; each partition runs a single
// worker loop over its own time vortex, a priority queue ordered by
// (delivery time, priority, sequence). Components communicate only through
// links, each with a fixed minimum latency. Cross-partition links buffer
// their events until a recurring barrier exchanges them with the peer; the
// barrier period never exceeds the minimum cross-partition latency, so no
// partition can receive an event in its past.
//
// A run has three phases. During configuration, links are created and
// endpoints bound. Init exchanges link init data, freezes the topology and
// schedules the barrier and the stop. The run loop then pops activities in
// total order, advances the clock, and executes each one until a stop fires
// or the vortex drains. The same input always dispatches in the same order,
// which the checkpoint layer relies on: a restored partition continues the
// run exactly where the saved one left off.
package sim
