package host

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-tickbridge/internal/goid"
	"github.com/joeycumines/go-tickbridge/tickclock"
	"github.com/joeycumines/logiface"
)

// Server is a reference [Host]: a tick-driven task runner with a worker pool,
// an event bus and a shutdown broadcast.
//
// Thread Safety: all methods are safe to call from any goroutine, unless
// otherwise noted.
type Server struct {
	logger   *logiface.Logger[logiface.Event]
	workers  *workerPool
	stopCh   chan struct{}
	loopDone chan struct{}

	// ingress holds tasks posted since the last tick, guarded by ingressMu
	ingress []*task
	// timers is only accessed from the tick thread
	timers taskHeap

	handlers handlerRegistry
	hooks    hookRegistry

	rate            tickclock.Rate
	tick            atomic.Int64
	seq             atomic.Uint64
	loopGoroutineID atomic.Uint64
	state           serverState

	ingressMu     sync.Mutex
	stepMu        sync.Mutex
	stopOnce      sync.Once
	terminateOnce sync.Once

	ingressClosed bool
	manual        bool
}

var _ Host = (*Server)(nil)

// New creates a new Server. Worker goroutines are started immediately, and
// will exit once the server has shut down.
func New(opts ...Option) (*Server, error) {
	cfg, err := resolveServerOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger:   cfg.logger,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		rate:     cfg.rate,
		manual:   cfg.manual,
	}
	s.workers = newWorkerPool(cfg.workers, func(fn func()) { s.safeExecute(Async, fn) })
	if s.manual {
		s.state.tryTransition(StateAwake, StateRunning)
	}
	return s, nil
}

// Run ticks the server at its configured rate, blocking until it terminates,
// via Shutdown or ctx cancellation. The ctx error is returned in the latter
// case.
func (s *Server) Run(ctx context.Context) error {
	if s.IsPrimaryThread() {
		return ErrReentrantRun
	}
	if s.manual {
		return ErrManualTicks
	}
	if !s.state.tryTransition(StateAwake, StateRunning) {
		if s.state.load() == StateRunning {
			return ErrAlreadyRunning
		}
		return ErrTerminated
	}
	return s.run(ctx)
}

func (s *Server) run(ctx context.Context) error {
	s.loopGoroutineID.Store(goid.ID())
	defer s.loopGoroutineID.Store(0)

	ticker := time.NewTicker(s.rate.Interval())
	defer ticker.Stop()

	s.logger.Info().
		Int(`rate`, int(s.rate)).
		Log(`server running`)

	for {
		select {
		case <-ctx.Done():
			s.state.tryTransition(StateRunning, StateTerminating)
			s.terminate()
			return ctx.Err()
		case <-s.stopCh:
			s.terminate()
			return nil
		case <-ticker.C:
			s.advance()
			if s.state.load() != StateRunning {
				s.terminate()
				return nil
			}
		}
	}
}

// Step advances a server configured with [WithManualTicks] by n ticks, on
// the calling goroutine, which is the tick thread for the duration of the
// call. Concurrent calls are serialized.
func (s *Server) Step(n int) error {
	if !s.manual {
		return ErrManualTicks
	}
	if s.IsPrimaryThread() {
		return ErrReentrantRun
	}

	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	s.loopGoroutineID.Store(goid.ID())
	defer s.loopGoroutineID.Store(0)

	for range n {
		if s.state.load() != StateRunning {
			s.terminate()
			return ErrTerminated
		}
		s.advance()
	}
	if s.state.load() != StateRunning {
		s.terminate()
	}
	return nil
}

// Shutdown stops the server. The shutdown broadcast is delivered on the tick
// thread, after which all pending tasks are cancelled, and the worker pool
// drains. Shutdown blocks until that completes, or ctx is done, unless it is
// called from the tick thread, in which case the sequence is completed after
// the current task returns.
//
// Returns ErrTerminated if the server was already shutting down.
func (s *Server) Shutdown(ctx context.Context) error {
	prev, ok := s.beginShutdown()
	if !ok {
		return ErrTerminated
	}
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.IsPrimaryThread() {
		return nil
	}

	if s.manual || prev == StateAwake {
		s.stepMu.Lock()
		s.loopGoroutineID.Store(goid.ID())
		s.terminate()
		s.loopGoroutineID.Store(0)
		s.stepMu.Unlock()
	}

	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.workers.wait(ctx)
}

func (s *Server) beginShutdown() (State, bool) {
	for {
		current := s.state.load()
		if current == StateTerminating || current == StateTerminated {
			return current, false
		}
		if s.state.tryTransition(current, StateTerminating) {
			return current, true
		}
	}
}

// terminate performs the shutdown sequence, on the tick thread.
func (s *Server) terminate() {
	s.terminateOnce.Do(func() {
		s.logger.Info().
			Int64(`tick`, int64(s.CurrentTick())).
			Log(`server shutting down`)

		for _, hook := range s.hooks.take() {
			if hook.active.CompareAndSwap(true, false) {
				s.safeExecute(Main, hook.fn)
			}
		}

		s.ingressMu.Lock()
		s.ingressClosed = true
		ingress := s.ingress
		s.ingress = nil
		s.ingressMu.Unlock()

		var cancelled int
		for _, t := range ingress {
			if t.Cancel() {
				cancelled++
			}
		}
		for _, t := range s.timers {
			if t.Cancel() {
				cancelled++
			}
		}
		s.timers = nil

		s.workers.close()
		s.state.terminate()
		close(s.loopDone)

		s.logger.Info().
			Int(`cancelled`, cancelled).
			Log(`server terminated`)
	})
}

// advance runs a single tick.
func (s *Server) advance() {
	now := tickclock.Tick(s.tick.Add(1))

	s.ingressMu.Lock()
	ingress := s.ingress
	s.ingress = nil
	s.ingressMu.Unlock()

	for _, t := range ingress {
		if !t.Cancelled() {
			heap.Push(&s.timers, t)
		}
	}

	for len(s.timers) != 0 && s.timers[0].when <= now {
		if s.state.load() != StateRunning {
			return
		}
		t := heap.Pop(&s.timers).(*task)
		if t.Cancelled() {
			continue
		}
		s.dispatch(t)
		if t.period > 0 && !t.Cancelled() {
			t.when = now + t.period
			heap.Push(&s.timers, t)
		}
	}
}

func (s *Server) dispatch(t *task) {
	if t.ctx == Main {
		if t.begin() {
			s.safeExecute(Main, t.fn)
		}
		return
	}
	if !s.workers.submit(func() {
		if t.begin() {
			t.fn()
		}
	}) {
		t.Cancel()
	}
}

// safeExecute executes fn with panic recovery.
func (s *Server) safeExecute(ctx Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Err().
				Err(&PanicError{Value: r}).
				Stringer(`context`, ctx).
				Log(`task panicked`)
		}
	}()
	fn()
}

// Post runs fn once, in the given context, on the next tick.
func (s *Server) Post(ctx Context, fn func()) (Task, error) {
	return s.post(ctx, fn, 0, 0)
}

// PostDelayed implements [TaskPoster.PostDelayed]. Negative delays are
// treated as 0, which runs fn on the next tick.
func (s *Server) PostDelayed(ctx Context, fn func(), delay tickclock.Tick) (Task, error) {
	return s.post(ctx, fn, delay, 0)
}

// PostPeriodic implements [TaskPoster.PostPeriodic].
func (s *Server) PostPeriodic(ctx Context, fn func(), delay, period tickclock.Tick) (Task, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return s.post(ctx, fn, delay, period)
}

func (s *Server) post(ctx Context, fn func(), delay, period tickclock.Tick) (Task, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if ctx != Main && ctx != Async {
		return nil, ErrInvalidContext
	}
	if delay < 0 {
		delay = 0
	}

	t := &task{fn: fn, ctx: ctx, period: period}

	s.ingressMu.Lock()
	defer s.ingressMu.Unlock()

	if s.ingressClosed || !s.state.acceptsWork() {
		return nil, ErrTerminated
	}

	now := tickclock.Tick(s.tick.Load())
	if delay > math.MaxInt64-now {
		t.when = math.MaxInt64
	} else {
		t.when = now + delay
	}
	t.seq = s.seq.Add(1)
	s.ingress = append(s.ingress, t)

	return t, nil
}

// Register implements [EventRegistrar.Register].
func (s *Server) Register(eventType EventType, priority Priority, ignoreCancelled bool, handler Handler) (Registration, error) {
	if handler == nil {
		return nil, ErrNilFunc
	}
	if !s.IsPrimaryThread() {
		return nil, ErrWrongThread
	}
	if !s.state.acceptsWork() {
		return nil, ErrTerminated
	}
	entry := s.handlers.add(eventType, priority, ignoreCancelled, handler)
	s.logger.Trace().
		Str(`event`, string(eventType)).
		Stringer(`priority`, priority).
		Uint64(`id`, entry.id).
		Log(`handler registered`)
	return entry, nil
}

// Fire dispatches event to its registered handlers, in priority order. It
// must be called on the tick thread. Handlers unregistered during dispatch
// receive no further events, and a panicking handler does not prevent
// delivery to the rest.
func (s *Server) Fire(event Event) error {
	if event == nil {
		return ErrNilFunc
	}
	if !s.IsPrimaryThread() {
		return ErrWrongThread
	}
	cancellable, _ := event.(Cancellable)
	for _, entry := range s.handlers.snapshot(event.EventType()) {
		if !entry.active.Load() {
			continue
		}
		if entry.ignoreCancelled && cancellable != nil && cancellable.Cancelled() {
			continue
		}
		s.safeExecute(Main, func() { entry.handler(event) })
	}
	return nil
}

// Emit posts a task that fires event on the next tick.
func (s *Server) Emit(event Event) (Task, error) {
	if event == nil {
		return nil, ErrNilFunc
	}
	return s.Post(Main, func() { _ = s.Fire(event) })
}

// OnShutdown implements [ShutdownBroadcaster.OnShutdown]. If the broadcast
// has already been delivered, fn is called immediately, on the calling
// goroutine.
func (s *Server) OnShutdown(fn func()) Registration {
	if fn == nil {
		return noRegistration{}
	}
	if entry := s.hooks.add(fn); entry != nil {
		return entry
	}
	s.safeExecute(Main, fn)
	return noRegistration{}
}

// IsPrimaryThread reports whether the caller is the tick thread, i.e. the
// goroutine in Run, or the caller of an in-progress Step.
func (s *Server) IsPrimaryThread() bool {
	id := s.loopGoroutineID.Load()
	return id != 0 && id == goid.ID()
}

// TickRate returns the configured tick rate.
func (s *Server) TickRate() tickclock.Rate { return s.rate }

// CurrentTick returns the number of ticks elapsed.
func (s *Server) CurrentTick() tickclock.Tick { return tickclock.Tick(s.tick.Load()) }

// State returns the current lifecycle state.
func (s *Server) State() State { return s.state.load() }

// Done is closed once the shutdown sequence has completed.
func (s *Server) Done() <-chan struct{} { return s.loopDone }

// HandlerCount returns the number of registered event handlers.
func (s *Server) HandlerCount() int { return s.handlers.count() }
