package scheduler

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/logiface"
)

type (
	// Host is the subset of [host.Host] the scheduler depends on.
	Host interface {
		host.TaskPoster
		host.ShutdownBroadcaster
	}

	// Scheduler is implemented by both views. Prefer accepting the concrete
	// view type, so the executing context is explicit.
	Scheduler interface {
		ScheduleOnce(action func(), delay time.Duration) *Handle
		SchedulePeriodic(action func(), initialDelay, period time.Duration) *Handle
		Pending() int
		Shutdown()
		Kind() Kind
	}

	// TickScheduler runs actions on the tick thread. Actions may touch game
	// state, and must not block.
	TickScheduler struct{ *core }

	// WorkerScheduler runs actions on the worker pool. Actions may block,
	// and must not touch game state.
	WorkerScheduler struct{ *core }

	// Dual holds both views over the same host.
	Dual struct {
		Tick   *TickScheduler
		Worker *WorkerScheduler
	}

	// Kind identifies a scheduler view.
	Kind int

	core struct {
		host    Host
		logger  *logiface.Logger[logiface.Event]
		limiter *catrate.Limiter
		// handles holds every pending task, by id
		handles    sync.Map
		pending    atomic.Int64
		nextID     atomic.Uint64
		suppressed atomic.Uint64
		kind       Kind
		ctx        host.Context
		closed     atomic.Bool
	}
)

const (
	KindTick Kind = iota
	KindWorker
)

var (
	_ Scheduler = (*TickScheduler)(nil)
	_ Scheduler = (*WorkerScheduler)(nil)
)

func (x Kind) String() string {
	switch x {
	case KindTick:
		return `tick`
	case KindWorker:
		return `worker`
	default:
		return `unknown`
	}
}

// New creates both scheduler views over h. Both are shut down when h
// broadcasts its shutdown, at which point any remaining pending tasks are
// cancelled.
func New(h Host, opts ...Option) *Dual {
	if h == nil {
		panic(`scheduler: nil host`)
	}
	cfg := resolveSchedulerOptions(opts)
	var limiter *catrate.Limiter
	if len(cfg.panicLogRates) != 0 {
		limiter = catrate.NewLimiter(cfg.panicLogRates)
	}
	newCore := func(kind Kind, ctx host.Context) *core {
		return &core{
			host:    h,
			logger:  cfg.logger,
			limiter: limiter,
			kind:    kind,
			ctx:     ctx,
		}
	}
	d := &Dual{
		Tick:   &TickScheduler{newCore(KindTick, host.Main)},
		Worker: &WorkerScheduler{newCore(KindWorker, host.Async)},
	}
	h.OnShutdown(d.hostShutdown)
	return d
}

// Shutdown shuts down both views.
func (x *Dual) Shutdown() {
	x.Tick.Shutdown()
	x.Worker.Shutdown()
}

// Pending returns the number of pending tasks, across both views.
func (x *Dual) Pending() int {
	return x.Tick.Pending() + x.Worker.Pending()
}

func (x *Dual) hostShutdown() {
	x.Tick.Shutdown()
	x.Worker.Shutdown()
	x.Tick.purge()
	x.Worker.purge()
}

// Kind returns the kind of this view.
func (x *core) Kind() Kind { return x.kind }

// Pending returns the number of tasks that have been scheduled, but have
// not yet finished (one-shot) or been cancelled.
func (x *core) Pending() int { return int(x.pending.Load()) }

// Shutdown stops accepting work. Already-posted tasks are not cancelled,
// and may still run. Idempotent.
func (x *core) Shutdown() {
	if x.closed.CompareAndSwap(false, true) {
		x.logger.Debug().
			Stringer(`scheduler`, x.kind).
			Int(`pending`, x.Pending()).
			Log(`scheduler shut down`)
	}
}

// ScheduleOnce runs action once, after delay. Delays convert to ticks, see
// [tickclock.Rate.ToTicks]. On a TickScheduler, if the caller is on the
// tick thread and delay converts to 0 ticks, action runs before this method
// returns.
func (x *core) ScheduleOnce(action func(), delay time.Duration) *Handle {
	if action == nil || x.closed.Load() {
		return cancelledHandle()
	}

	ticks := x.host.TickRate().ToTicks(delay)
	h := x.newHandle(callerOrigin(2))

	if x.kind == KindTick && ticks == 0 && x.host.IsPrimaryThread() {
		h.state.Store(handleRunning)
		x.execute(h, action)
		h.state.Store(handleDone)
		return h
	}

	x.track(h)
	task, err := x.host.PostDelayed(x.ctx, func() {
		if !h.state.CompareAndSwap(handlePending, handleRunning) {
			return
		}
		defer func() {
			h.state.Store(handleDone)
			x.forget(h)
		}()
		x.execute(h, action)
	}, ticks)
	if err != nil {
		x.rejected(h, err)
		return h
	}
	h.bind(task)
	return h
}

// SchedulePeriodic runs action after initialDelay, then every period, until
// cancelled. The period is at least one tick.
func (x *core) SchedulePeriodic(action func(), initialDelay, period time.Duration) *Handle {
	if action == nil || x.closed.Load() {
		return cancelledHandle()
	}

	rate := x.host.TickRate()
	periodTicks := max(rate.ToTicks(period), 1)
	h := x.newHandle(callerOrigin(2))

	x.track(h)
	task, err := x.host.PostPeriodic(x.ctx, func() {
		if h.state.Load() != handlePending {
			return
		}
		x.execute(h, action)
	}, rate.ToTicks(initialDelay), periodTicks)
	if err != nil {
		x.rejected(h, err)
		return h
	}
	h.bind(task)
	return h
}

func (x *core) newHandle(origin string) *Handle {
	return &Handle{
		core:   x,
		origin: origin,
		id:     x.nextID.Add(1),
	}
}

func (x *core) track(h *Handle) {
	x.handles.Store(h.id, h)
	x.pending.Add(1)
}

func (x *core) forget(h *Handle) {
	if _, ok := x.handles.LoadAndDelete(h.id); ok {
		x.pending.Add(-1)
	}
}

// rejected handles a post the host refused, e.g. because it is shutting down.
func (x *core) rejected(h *Handle, err error) {
	if h.state.CompareAndSwap(handlePending, handleCancelled) {
		x.forget(h)
	}
	x.logger.Debug().
		Err(err).
		Stringer(`scheduler`, x.kind).
		Str(`origin`, h.origin).
		Log(`host rejected task`)
}

// purge cancels all pending tasks.
func (x *core) purge() {
	var n int
	x.handles.Range(func(_, value any) bool {
		if value.(*Handle).Cancel() {
			n++
		}
		return true
	})
	if n != 0 {
		x.logger.Debug().
			Stringer(`scheduler`, x.kind).
			Int(`cancelled`, n).
			Log(`cancelled pending tasks`)
	}
}

// execute runs action, recovering and logging any panic.
func (x *core) execute(h *Handle, action func()) {
	defer func() {
		if r := recover(); r != nil {
			x.logPanic(h, r)
		}
	}()
	action()
}

func (x *core) logPanic(h *Handle, r any) {
	if _, ok := x.limiter.Allow(h.origin); !ok {
		x.suppressed.Add(1)
		return
	}
	x.logger.Err().
		Err(&host.PanicError{Value: r}).
		Stringer(`scheduler`, x.kind).
		Str(`origin`, h.origin).
		Uint64(`task`, h.id).
		Uint64(`suppressed`, x.suppressed.Swap(0)).
		Log(`scheduled action panicked`)
}

// callerOrigin identifies the caller skip frames above it as "file:line".
func callerOrigin(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return `unknown`
	}
	return fmt.Sprintf(`%s:%d`, filepath.Base(file), line)
}
