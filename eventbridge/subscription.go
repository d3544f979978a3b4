package eventbridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/go-tickbridge/scheduler"
)

// State is the lifecycle state of a Subscription.
//
//	StateCreated → StateRegistering → StateActive → StateTerminated
//
// StateTerminated is absorbing, and reachable from every other state.
type State int32

const (
	StateCreated State = iota
	StateRegistering
	StateActive
	StateTerminated
)

func (x State) String() string {
	switch x {
	case StateCreated:
		return `created`
	case StateRegistering:
		return `registering`
	case StateActive:
		return `active`
	case StateTerminated:
		return `terminated`
	default:
		return `unknown`
	}
}

type terminal int

const (
	terminalDispose terminal = iota
	terminalComplete
	terminalError
)

func (x terminal) String() string {
	switch x {
	case terminalDispose:
		return `dispose`
	case terminalComplete:
		return `complete`
	default:
		return `error`
	}
}

// Subscription is a live registration, delivering host events to a single
// Observer.
type Subscription struct {
	bridge          *Bridge
	reg             host.Registration
	registration    *scheduler.Handle
	next            func(event host.Event) error
	onError         func(err error)
	onComplete      func()
	eventType       host.EventType
	id              uint64
	priority        host.Priority
	mu              sync.Mutex
	state           atomic.Int32
	ignoreCancelled bool
}

// State returns the current state.
func (x *Subscription) State() State { return State(x.state.Load()) }

// Dispose terminates the subscription, delivering Complete, and unregisters
// it from the host. Idempotent, and safe to call from any
// goroutine. When called on the tick thread, no event is delivered after
// Dispose returns. When called from any other goroutine, a delivery that
// is already underway on the tick thread may still complete, and may
// overlap the Complete signal. A registration that has not yet run on the
// tick thread is cancelled.
func (x *Subscription) Dispose() {
	x.terminate(terminalDispose, nil)
}

// register is run on the tick thread.
func (x *Subscription) register() {
	if x.State() != StateRegistering {
		return
	}

	reg, err := x.bridge.registrar.Register(x.eventType, x.priority, x.ignoreCancelled, x.dispatch)
	if err != nil {
		x.terminate(terminalError, fmt.Errorf(`eventbridge: register %s: %w`, x.eventType, err))
		return
	}

	x.mu.Lock()
	if x.state.CompareAndSwap(int32(StateRegistering), int32(StateActive)) {
		x.reg = reg
		x.mu.Unlock()
		x.bridge.logger.Debug().
			Uint64(`subscription`, x.id).
			Str(`event_type`, string(x.eventType)).
			Log(`subscription registered`)
		return
	}
	x.mu.Unlock()

	// terminated while registering
	reg.Unregister()
}

// dispatch is the host handler, run on the tick thread.
func (x *Subscription) dispatch(event host.Event) {
	if x.State() != StateActive {
		return
	}
	switch err := x.next(event); {
	case err == nil:
	case errors.Is(err, ErrStop):
		x.terminate(terminalComplete, nil)
	default:
		x.bridge.logger.Err().
			Err(err).
			Uint64(`subscription`, x.id).
			Str(`event_type`, string(x.eventType)).
			Log(`subscriber failed`)
		x.terminate(terminalError, err)
	}
}

// terminate transitions to StateTerminated, returning false if already
// terminated. The signal is delivered before the host registration is
// removed, and outside of any lock.
func (x *Subscription) terminate(kind terminal, err error) bool {
	for {
		state := x.state.Load()
		if state == int32(StateTerminated) {
			return false
		}
		if x.state.CompareAndSwap(state, int32(StateTerminated)) {
			break
		}
	}

	switch kind {
	case terminalDispose, terminalComplete:
		if x.onComplete != nil {
			x.safeSignal(x.onComplete)
		}
	case terminalError:
		if x.onError != nil {
			x.safeSignal(func() { x.onError(err) })
		}
	}

	x.mu.Lock()
	reg, registration := x.reg, x.registration
	x.reg, x.registration = nil, nil
	x.mu.Unlock()
	registration.Cancel()
	if reg != nil {
		reg.Unregister()
	}

	x.bridge.forget(x)

	x.bridge.logger.Debug().
		Uint64(`subscription`, x.id).
		Str(`event_type`, string(x.eventType)).
		Stringer(`terminal`, kind).
		Log(`subscription terminated`)

	return true
}

func (x *Subscription) safeSignal(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			x.bridge.logger.Err().
				Err(&host.PanicError{Value: r}).
				Uint64(`subscription`, x.id).
				Str(`event_type`, string(x.eventType)).
				Log(`terminal signal panicked`)
		}
	}()
	fn()
}
