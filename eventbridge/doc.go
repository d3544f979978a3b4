// Package eventbridge adapts the host's callback-based event registration
// into cancellable push streams.
//
// A [Stream] is cold: nothing is registered with the host until
// [Stream.Subscribe] is called, and each [Subscription] holds exactly one
// host registration. Registration must happen on the tick thread, so a
// Subscribe call from any other goroutine defers registration to the next
// tick. Events fired before registration completes are not observed. There
// is no buffering and no replay.
//
// A Subscription terminates exactly once, delivering exactly one terminal
// signal, on the first of:
//
//   - [Subscription.Dispose], which delivers Complete
//   - the host's shutdown broadcast, or [Bridge.Close], which delivers
//     Complete
//   - an error or panic from the subscriber's Next, which delivers Error
//   - Next returning [ErrStop], which delivers Complete
//
// Subscriptions created after the bridge has closed are inert: they start
// terminated, and deliver nothing.
//
// Subscriber failures never escape into the host's dispatch, and never
// affect other subscribers of the same event type.
package eventbridge
