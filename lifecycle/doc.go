// Package lifecycle implements pending requests that wait a bounded time
// for an external response, such as a player confirming a teleport.
//
// Each request races a timeout (a [scheduler.TickScheduler] timer) against
// an optional secondary [Signal], with first-wins semantics. A caller may
// also decide the outcome directly, via [Registry.Accept],
// [Registry.Decline] or [Registry.Invalidate], and opening a new request
// for a key that already has one pending replaces it.
//
// Every opened request receives exactly one [Outcome]. The winner of any
// race is whichever path removes the request from the registry's map, so
// the losers are silent no-ops, and no lock is held while a callback runs.
// Once an outcome is decided, the timer is cancelled, and the signal is
// stopped.
//
// Callbacks run on the goroutine that decided the outcome: timeouts on the
// tick thread, Accept and friends on their caller. The signal adapters in
// this package that complete on other goroutines marshal onto the tick
// thread first.
package lifecycle
