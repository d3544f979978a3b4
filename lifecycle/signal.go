package lifecycle

import (
	"context"
	"sync"

	"github.com/joeycumines/go-tickbridge/eventbridge"
	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/go-tickbridge/scheduler"
)

type (
	// Signal is a secondary completion source, that invalidates a request.
	Signal interface {
		// Watch arranges for fire to be called when the signal completes.
		// Calling fire more than once, or after stop, is harmless. The
		// returned stop function (which may be nil) releases any resources,
		// and may be called from any goroutine, including from within fire.
		Watch(fire func()) (stop func())
	}

	// SignalFunc implements Signal.
	SignalFunc func(fire func()) (stop func())
)

func (x SignalFunc) Watch(fire func()) func() { return x(fire) }

// ContextSignal completes when ctx is done, firing on the tick thread.
func ContextSignal(tick *scheduler.TickScheduler, ctx context.Context) Signal {
	return SignalFunc(func(fire func()) func() {
		stop := context.AfterFunc(ctx, func() { runOnTick(tick, fire) })
		return func() { stop() }
	})
}

// ChannelSignal completes when ch receives or is closed, firing on the
// tick thread.
func ChannelSignal[T any](tick *scheduler.TickScheduler, ch <-chan T) Signal {
	return SignalFunc(func(fire func()) func() {
		done := make(chan struct{})
		go func() {
			select {
			case <-ch:
				select {
				case <-done:
				default:
					runOnTick(tick, fire)
				}
			case <-done:
			}
		}()
		var once sync.Once
		return func() { once.Do(func() { close(done) }) }
	})
}

// EventSignal completes on the first event from stream that satisfies
// match (or any event, if match is nil). Each Watch subscribes, and stop
// disposes the subscription.
func EventSignal[E host.Event](stream *eventbridge.Stream[E], match func(event E) bool) Signal {
	return SignalFunc(func(fire func()) func() {
		sub := stream.Subscribe(eventbridge.Observer[E]{
			Next: func(event E) error {
				if match != nil && !match(event) {
					return nil
				}
				fire()
				return eventbridge.ErrStop
			},
		})
		return sub.Dispose
	})
}

// AnySignal completes when any of signals completes.
func AnySignal(signals ...Signal) Signal {
	return SignalFunc(func(fire func()) func() {
		stops := make([]func(), 0, len(signals))
		for _, signal := range signals {
			if signal == nil {
				continue
			}
			if stop := signal.Watch(fire); stop != nil {
				stops = append(stops, stop)
			}
		}
		return func() {
			for _, stop := range stops {
				stop()
			}
		}
	})
}

// runOnTick runs fn on the tick thread, or inline if that is not possible.
func runOnTick(tick *scheduler.TickScheduler, fn func()) {
	if tick == nil || tick.ScheduleOnce(fn, 0).Cancelled() {
		fn()
	}
}
