package eventbridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/go-tickbridge/scheduler"
	"github.com/joeycumines/logiface"
)

var (
	// ErrStop may be returned by Observer.Next to terminate the subscription
	// with a Complete signal.
	ErrStop = errors.New(`eventbridge: stop`)

	// ErrUnexpectedEvent is delivered to a subscriber if the host dispatches
	// an event of a different Go type than the stream was declared with.
	ErrUnexpectedEvent = errors.New(`eventbridge: unexpected event type`)
)

type (
	// Host is the subset of [host.Host] the bridge depends on.
	Host interface {
		host.EventRegistrar
		host.ShutdownBroadcaster
	}

	// Bridge owns every Subscription, and terminates them all, exactly
	// once, when the host shuts down.
	Bridge struct {
		registrar host.EventRegistrar
		tick      *scheduler.TickScheduler
		logger    *logiface.Logger[logiface.Event]
		// subs holds every live Subscription, by id
		subs   sync.Map
		live   atomic.Int64
		nextID atomic.Uint64
		closed atomic.Bool
	}

	// Stream is a cold stream of host events of type E. Create with Listen.
	Stream[E host.Event] struct {
		bridge    *Bridge
		eventType host.EventType
		opts      listenOptions
	}

	// Observer receives the signals of a single Subscription. All fields
	// are optional. Next is always called on the tick thread. Exactly one
	// of Error or Complete is called, once, on the goroutine that caused
	// the subscription to terminate. If Dispose is called off the tick
	// thread, Complete may run concurrently with a call to Next that was
	// already underway.
	Observer[E host.Event] struct {
		// Next receives each event. Returning a non-nil error (or panicking)
		// terminates the subscription with Error, unless the error is
		// ErrStop, which terminates it with Complete.
		Next     func(event E) error
		Error    func(err error)
		Complete func()
	}
)

// New creates a Bridge. Registrations are deferred onto the tick thread via
// tick, when Subscribe is called from any other goroutine.
func New(h Host, tick *scheduler.TickScheduler, opts ...Option) *Bridge {
	if h == nil || tick == nil {
		panic(`eventbridge: nil host or scheduler`)
	}
	var cfg bridgeOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyBridge(&cfg)
		}
	}
	b := &Bridge{
		registrar: h,
		tick:      tick,
		logger:    cfg.logger,
	}
	h.OnShutdown(b.Close)
	return b
}

// Close terminates every live subscription, delivering Complete to each,
// and causes all future subscriptions to be inert. It is called
// automatically on the host's shutdown broadcast. Idempotent.
func (x *Bridge) Close() {
	if !x.closed.CompareAndSwap(false, true) {
		return
	}
	var n int
	x.subs.Range(func(_, value any) bool {
		if value.(*Subscription).terminate(terminalComplete, nil) {
			n++
		}
		return true
	})
	x.logger.Debug().
		Int(`completed`, n).
		Log(`event bridge closed`)
}

// Len returns the number of live subscriptions.
func (x *Bridge) Len() int { return int(x.live.Load()) }

func (x *Bridge) track(sub *Subscription) {
	x.subs.Store(sub.id, sub)
	x.live.Add(1)
}

func (x *Bridge) forget(sub *Subscription) {
	if _, ok := x.subs.LoadAndDelete(sub.id); ok {
		x.live.Add(-1)
	}
}

// Listen returns a stream of events of the given type. E must be the Go
// type of the host's events, for that event type.
func Listen[E host.Event](b *Bridge, eventType host.EventType, opts ...ListenOption) *Stream[E] {
	return &Stream[E]{
		bridge:    b,
		eventType: eventType,
		opts:      resolveListenOptions(opts),
	}
}

// Subscribe creates a Subscription, registering it with the host. The
// registration is synchronous only if called on the tick thread. If the
// bridge is closed, the returned Subscription is already terminated, and
// will never deliver any signal.
func (x *Stream[E]) Subscribe(o Observer[E]) *Subscription {
	sub := &Subscription{
		bridge:          x.bridge,
		eventType:       x.eventType,
		priority:        x.opts.priority,
		ignoreCancelled: x.opts.ignoreCancelled,
		next:            wrapNext(o.Next),
		onError:         o.Error,
		onComplete:      o.Complete,
	}
	x.bridge.subscribe(sub)
	return sub
}

// First subscribes, and calls fn with the first event, then completes.
func (x *Stream[E]) First(fn func(event E)) *Subscription {
	return x.Subscribe(Observer[E]{Next: func(event E) error {
		if fn != nil {
			fn(event)
		}
		return ErrStop
	}})
}

func (x *Bridge) subscribe(sub *Subscription) {
	if x.closed.Load() {
		sub.state.Store(int32(StateTerminated))
		return
	}

	sub.id = x.nextID.Add(1)
	sub.state.Store(int32(StateRegistering))
	x.track(sub)

	// the host may have shut down between the closed check and track
	if x.closed.Load() {
		sub.terminate(terminalComplete, nil)
		return
	}

	registration := x.tick.ScheduleOnce(sub.register, 0)
	if registration.Cancelled() {
		// the scheduler has shut down, so registration can never happen
		sub.terminate(terminalComplete, nil)
		return
	}

	sub.mu.Lock()
	if sub.State() == StateTerminated {
		sub.mu.Unlock()
		registration.Cancel()
		return
	}
	sub.registration = registration
	sub.mu.Unlock()
}

func wrapNext[E host.Event](next func(E) error) func(host.Event) error {
	return func(event host.Event) (err error) {
		e, ok := event.(E)
		if !ok {
			return fmt.Errorf(`%w: %T`, ErrUnexpectedEvent, event)
		}
		if next == nil {
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = &host.PanicError{Value: r}
			}
		}()
		return next(e)
	}
}
