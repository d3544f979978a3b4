package host

import (
	"github.com/joeycumines/go-tickbridge/tickclock"
)

type (
	// Host is the full set of capabilities the bridge layer consumes.
	Host interface {
		TaskPoster
		EventRegistrar
		ShutdownBroadcaster
	}

	// TaskPoster posts tasks onto the tick thread or the worker pool.
	TaskPoster interface {
		// PostDelayed runs fn once, in the given context, after delay ticks.
		PostDelayed(ctx Context, fn func(), delay tickclock.Tick) (Task, error)

		// PostPeriodic runs fn in the given context after delay ticks, then
		// every period ticks, until cancelled.
		PostPeriodic(ctx Context, fn func(), delay, period tickclock.Tick) (Task, error)

		// IsPrimaryThread reports whether the caller is the tick thread.
		IsPrimaryThread() bool

		// TickRate returns the nominal tick rate.
		TickRate() tickclock.Rate
	}

	// Task is a handle to a posted task.
	Task interface {
		// Cancel prevents any future execution of the task, returning true if
		// the call transitioned the task to cancelled. It does not interrupt
		// an execution that is already underway.
		Cancel() bool

		// Cancelled reports whether Cancel succeeded at some point.
		Cancelled() bool
	}

	// EventRegistrar manages event handler registrations.
	EventRegistrar interface {
		// Register adds a handler for the given event type. It must be called
		// on the tick thread, and fails with ErrWrongThread otherwise.
		Register(eventType EventType, priority Priority, ignoreCancelled bool, handler Handler) (Registration, error)

		// IsPrimaryThread reports whether the caller is the tick thread.
		IsPrimaryThread() bool
	}

	// ShutdownBroadcaster notifies listeners exactly once, on the tick
	// thread, when the host begins shutting down.
	ShutdownBroadcaster interface {
		OnShutdown(fn func()) Registration
	}

	// Registration is a handle to a registered handler or listener.
	Registration interface {
		// Unregister removes the registration. It is idempotent, and safe to
		// call from any goroutine. Returns true if this call removed it.
		Unregister() bool
	}

	// Handler receives events dispatched on the tick thread.
	Handler func(event Event)
)

// Context identifies where a posted task runs.
type Context int

const (
	// Main runs tasks on the tick thread.
	Main Context = iota
	// Async runs tasks on the worker pool.
	Async
)

func (x Context) String() string {
	switch x {
	case Main:
		return `main`
	case Async:
		return `async`
	default:
		return `unknown`
	}
}
