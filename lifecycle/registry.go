package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/go-tickbridge/scheduler"
	"github.com/joeycumines/logiface"
)

type (
	// Registry holds at most one pending request per key.
	Registry[K comparable, V any] struct {
		tick    *scheduler.TickScheduler
		logger  *logiface.Logger[logiface.Event]
		limiter *catrate.Limiter
		// pending maps K to *pending[K, V]
		pending        sync.Map
		count          atomic.Int64
		defaultTimeout time.Duration
		closed         atomic.Bool
	}

	// Request describes a request to be opened. All callbacks are optional.
	Request[V any] struct {
		// Value is passed to the callbacks, and returned by Registry.Peek.
		Value V

		// Requester identifies who opened the request, for rate limiting.
		// Requests with a nil Requester are never rate limited.
		Requester any

		// Signal optionally invalidates the request, when it completes.
		Signal Signal

		OnAccept     func(value V)
		OnDecline    func(value V)
		OnTimeout    func(value V)
		OnInvalidate func(value V)
		OnReplaced   func(value V)

		// OnOutcome is called after the callback specific to the outcome.
		OnOutcome func(value V, outcome Outcome)

		// Timeout is the maximum time the request remains pending. If zero,
		// the registry's default timeout is used.
		Timeout time.Duration
	}

	// pending is a single opened request.
	pending[K comparable, V any] struct {
		registry *Registry[K, V]
		key      K
		req      Request[V]
		timer    *scheduler.Handle
		stop     func()
		mu       sync.Mutex
		finished bool
	}
)

// New creates a Registry, which schedules timeouts using tick.
func New[K comparable, V any](tick *scheduler.TickScheduler, opts ...Option) *Registry[K, V] {
	if tick == nil {
		panic(`lifecycle: nil scheduler`)
	}
	cfg := registryOptions{defaultTimeout: DefaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt.applyRegistry(&cfg)
		}
	}
	x := &Registry[K, V]{
		tick:           tick,
		logger:         cfg.logger,
		defaultTimeout: cfg.defaultTimeout,
	}
	if len(cfg.rates) != 0 {
		x.limiter = catrate.NewLimiter(cfg.rates)
	}
	if cfg.shutdown != nil {
		cfg.shutdown.OnShutdown(x.Close)
	}
	return x
}

// Open opens a request for key, replacing (with Replaced) any request
// already pending for key, whose callbacks run before Open returns. The
// only error is a *RateLimitError, in which case nothing was opened, and
// any pending request is left as-is.
//
// If the registry is closed, the request is immediately Invalidated.
func (x *Registry[K, V]) Open(key K, req Request[V]) error {
	if req.Requester != nil {
		if next, ok := x.limiter.Allow(req.Requester); !ok {
			x.logger.Debug().
				Any(`requester`, req.Requester).
				Time(`next`, next).
				Log(`request rate limited`)
			return &RateLimitError{Requester: req.Requester, Next: next}
		}
	}

	p := &pending[K, V]{
		registry: x,
		key:      key,
		req:      req,
	}

	if x.closed.Load() {
		p.claimed(Invalidated)
		p.arm()
		return nil
	}

	if old, loaded := x.pending.Swap(key, p); loaded {
		old.(*pending[K, V]).claimed(Replaced)
	} else {
		x.count.Add(1)
	}

	// Close may have missed p
	if x.closed.Load() {
		x.claim(p, Invalidated)
	}

	p.arm()
	return nil
}

// Accept decides the request pending for key as Accepted, returning false
// if there was none.
func (x *Registry[K, V]) Accept(key K) bool { return x.decide(key, Accepted) }

// Decline decides the request pending for key as Declined, returning false
// if there was none.
func (x *Registry[K, V]) Decline(key K) bool { return x.decide(key, Declined) }

// Invalidate decides the request pending for key as Invalidated, returning
// false if there was none.
func (x *Registry[K, V]) Invalidate(key K) bool { return x.decide(key, Invalidated) }

func (x *Registry[K, V]) decide(key K, outcome Outcome) bool {
	v, ok := x.pending.LoadAndDelete(key)
	if !ok {
		return false
	}
	x.count.Add(-1)
	v.(*pending[K, V]).claimed(outcome)
	return true
}

// claim decides p, if it is still the request pending for its key.
func (x *Registry[K, V]) claim(p *pending[K, V], outcome Outcome) bool {
	if !x.pending.CompareAndDelete(p.key, p) {
		return false
	}
	x.count.Add(-1)
	p.claimed(outcome)
	return true
}

// Peek returns the value of the request pending for key.
func (x *Registry[K, V]) Peek(key K) (value V, ok bool) {
	if v, loaded := x.pending.Load(key); loaded {
		return v.(*pending[K, V]).req.Value, true
	}
	return value, false
}

// Has reports whether a request is pending for key.
func (x *Registry[K, V]) Has(key K) bool {
	_, ok := x.pending.Load(key)
	return ok
}

// Pending returns the number of pending requests.
func (x *Registry[K, V]) Pending() int { return int(x.count.Load()) }

// Close invalidates every pending request, and causes requests opened
// later to be invalidated immediately. Idempotent.
func (x *Registry[K, V]) Close() {
	if !x.closed.CompareAndSwap(false, true) {
		return
	}
	var n int
	x.pending.Range(func(_, v any) bool {
		if x.claim(v.(*pending[K, V]), Invalidated) {
			n++
		}
		return true
	})
	x.logger.Debug().
		Int(`invalidated`, n).
		Log(`request registry closed`)
}

// arm starts the timer and the signal, unless x was already claimed.
func (x *pending[K, V]) arm() {
	x.mu.Lock()
	if x.finished {
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()

	timeout := x.req.Timeout
	if timeout == 0 {
		timeout = x.registry.defaultTimeout
	}
	timer := x.registry.tick.ScheduleOnce(func() { x.registry.claim(x, TimedOut) }, timeout)

	x.mu.Lock()
	if x.finished {
		x.mu.Unlock()
		timer.Cancel()
		return
	}
	x.timer = timer
	x.mu.Unlock()

	if timer.Cancelled() {
		// the scheduler has shut down, and the timeout will never fire
		x.registry.claim(x, Invalidated)
		return
	}

	if x.req.Signal == nil {
		return
	}
	stop := x.req.Signal.Watch(func() { x.registry.claim(x, Invalidated) })

	x.mu.Lock()
	if x.finished {
		x.mu.Unlock()
		if stop != nil {
			stop()
		}
		return
	}
	x.stop = stop
	x.mu.Unlock()
}

// claimed is called exactly once, by whichever path removed x from the
// registry. The outcome is delivered immediately, even if x is not yet
// armed.
func (x *pending[K, V]) claimed(outcome Outcome) {
	x.mu.Lock()
	x.finished = true
	timer, stop := x.timer, x.stop
	x.timer, x.stop = nil, nil
	x.mu.Unlock()

	timer.Cancel()
	if stop != nil {
		stop()
	}
	x.deliver(outcome)
}

func (x *pending[K, V]) deliver(outcome Outcome) {
	x.registry.logger.Debug().
		Any(`key`, x.key).
		Stringer(`outcome`, outcome).
		Log(`request finished`)

	var fn func(V)
	switch outcome {
	case Accepted:
		fn = x.req.OnAccept
	case Declined:
		fn = x.req.OnDecline
	case TimedOut:
		fn = x.req.OnTimeout
	case Invalidated:
		fn = x.req.OnInvalidate
	case Replaced:
		fn = x.req.OnReplaced
	}
	if fn != nil {
		x.safeCall(outcome, func() { fn(x.req.Value) })
	}
	if x.req.OnOutcome != nil {
		x.safeCall(outcome, func() { x.req.OnOutcome(x.req.Value, outcome) })
	}
}

func (x *pending[K, V]) safeCall(outcome Outcome, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			x.registry.logger.Err().
				Err(&host.PanicError{Value: r}).
				Any(`key`, x.key).
				Stringer(`outcome`, outcome).
				Log(`request callback panicked`)
		}
	}()
	fn()
}
