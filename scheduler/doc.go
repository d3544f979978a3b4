// Package scheduler implements the dual executor used by the bridge layer:
// a [TickScheduler], which runs actions on the host's tick thread, and a
// [WorkerScheduler], which runs them on the host's worker pool.
//
// The two views are deliberately distinct types. Code that mutates game
// state, or touches any host API, must only ever be handed a TickScheduler.
// Code that blocks (I/O, storage queries) must only ever be handed a
// WorkerScheduler. [RunAsyncThenSync] composes the two: blocking work on
// the pool, followed by its continuation on the tick thread.
//
// Delays are wall-clock durations, converted to host ticks by
// [tickclock.Rate.ToTicks], so an action never runs early. A TickScheduler
// action with a zero delay, scheduled from the tick thread, runs inline,
// before ScheduleOnce returns.
//
// Both views return a [*Handle], which cancels the underlying host task.
// After Shutdown, every schedule operation returns an already-cancelled
// Handle, and never runs the action.
package scheduler
