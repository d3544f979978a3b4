// Package host models the single-threaded simulation host that the bridge
// layer is built on, and provides [Server], a reference implementation.
//
// The host owns one distinguished goroutine, the tick thread, which advances
// the simulation in discrete ticks. All game-state mutation and all event
// dispatch happen on that goroutine. Everything else (I/O, blocking queries)
// runs on a bounded pool of worker goroutines, see [Async].
//
// Consumers should depend on the [Host] interface, or one of its narrower
// component interfaces ([TaskPoster], [EventRegistrar], [ShutdownBroadcaster]).
//
// # Ticks
//
// A [Server] either ticks on its own, at the configured rate, via
// [Server.Run], or is stepped explicitly via [Server.Step], see
// [WithManualTicks]. Manual stepping makes time fully deterministic, and is
// what the tests in this module use to simulate minutes of wall-clock time.
//
// Within a single tick, the server:
//
//  1. Moves all tasks posted since the previous tick into its timer heap.
//  2. Runs (or, for [Async], dispatches) every task that is due, in order of
//     due tick, then submission order.
//
// A task posted with a delay of 0 therefore runs on the next tick, never
// within the call that posted it.
package host
