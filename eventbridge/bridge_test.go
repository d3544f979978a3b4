package eventbridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/go-tickbridge/internal/testutil"
	"github.com/joeycumines/go-tickbridge/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	server *host.Server
	sched  *scheduler.Dual
	bridge *Bridge
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := host.New(host.WithManualTicks(), host.WithWorkers(2))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	d := scheduler.New(s)
	return &harness{
		server: s,
		sched:  d,
		bridge: New(s, d.Tick),
	}
}

func (h *harness) step(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, h.server.Step(n))
}

func (h *harness) onTick(t *testing.T, fn func()) {
	t.Helper()
	_, err := h.server.Post(host.Main, fn)
	require.NoError(t, err)
	h.step(t, 1)
}

func (h *harness) emit(t *testing.T, event host.Event) {
	t.Helper()
	_, err := h.server.Emit(event)
	require.NoError(t, err)
	h.step(t, 1)
}

// recorder is an Observer that counts signals.
type recorder[E host.Event] struct {
	events    []E
	errs      []error
	completes atomic.Int32
	mu        sync.Mutex
}

func (x *recorder[E]) observer() Observer[E] {
	return Observer[E]{
		Next: func(event E) error {
			x.mu.Lock()
			defer x.mu.Unlock()
			x.events = append(x.events, event)
			return nil
		},
		Error: func(err error) {
			x.mu.Lock()
			defer x.mu.Unlock()
			x.errs = append(x.errs, err)
		},
		Complete: func() { x.completes.Add(1) },
	}
}

func (x *recorder[E]) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.events)
}

func TestSubscribe_offThreadDefersRegistration(t *testing.T) {
	h := newHarness(t)
	var rec recorder[*host.PlayerJoinEvent]
	sub := Listen[*host.PlayerJoinEvent](h.bridge, host.EventPlayerJoin).Subscribe(rec.observer())
	assert.Equal(t, StateRegistering, sub.State())
	assert.Zero(t, h.server.HandlerCount())
	assert.Equal(t, 1, h.bridge.Len())

	h.step(t, 1)
	assert.Equal(t, StateActive, sub.State())
	assert.Equal(t, 1, h.server.HandlerCount())

	h.emit(t, &host.PlayerJoinEvent{Player: `alice`})
	h.emit(t, &host.PlayerJoinEvent{Player: `bob`})
	require.Equal(t, 2, rec.count())
	assert.Equal(t, `alice`, rec.events[0].Player)
	assert.Equal(t, `bob`, rec.events[1].Player)
	assert.Empty(t, rec.errs)
	assert.Zero(t, rec.completes.Load())
}

func TestSubscribe_onTickThreadRegistersSynchronously(t *testing.T) {
	h := newHarness(t)
	var rec recorder[*host.ChatEvent]
	h.onTick(t, func() {
		sub := Listen[*host.ChatEvent](h.bridge, host.EventChat).Subscribe(rec.observer())
		assert.Equal(t, StateActive, sub.State())
		require.NoError(t, h.server.Fire(&host.ChatEvent{Message: `same tick`}))
	})
	assert.Equal(t, 1, rec.count())
}

func TestSubscribe_eventsBeforeRegistrationNotObserved(t *testing.T) {
	h := newHarness(t)
	var rec recorder[*host.PlayerJoinEvent]
	// the emit task was posted first, so it runs before the deferred registration
	_, err := h.server.Emit(&host.PlayerJoinEvent{Player: `early`})
	require.NoError(t, err)
	Listen[*host.PlayerJoinEvent](h.bridge, host.EventPlayerJoin).Subscribe(rec.observer())
	h.step(t, 1)
	assert.Zero(t, rec.count())
	h.emit(t, &host.PlayerJoinEvent{Player: `late`})
	assert.Equal(t, 1, rec.count())
}

func TestSubscription_Dispose_beforeFire(t *testing.T) {
	h := newHarness(t)
	var rec recorder[*host.PlayerQuitEvent]
	sub := Listen[*host.PlayerQuitEvent](h.bridge, host.EventPlayerQuit).Subscribe(rec.observer())
	h.step(t, 1)
	require.Equal(t, StateActive, sub.State())

	sub.Dispose()
	sub.Dispose()
	assert.Equal(t, StateTerminated, sub.State())
	assert.Zero(t, h.server.HandlerCount())
	assert.Zero(t, h.bridge.Len())

	h.emit(t, &host.PlayerQuitEvent{Player: `carol`})
	assert.Zero(t, rec.count())
	assert.Equal(t, int32(1), rec.completes.Load())
	assert.Empty(t, rec.errs)
}

func TestSubscription_Dispose_whileRegistering(t *testing.T) {
	h := newHarness(t)
	var rec recorder[*host.PlayerJoinEvent]
	pending := h.sched.Tick.Pending()
	sub := Listen[*host.PlayerJoinEvent](h.bridge, host.EventPlayerJoin).Subscribe(rec.observer())
	assert.Equal(t, pending+1, h.sched.Tick.Pending())
	sub.Dispose()
	assert.Equal(t, pending, h.sched.Tick.Pending())
	h.step(t, 1)
	assert.Zero(t, h.server.HandlerCount())
	h.emit(t, &host.PlayerJoinEvent{})
	assert.Zero(t, rec.count())
	assert.Equal(t, int32(1), rec.completes.Load())
}

func TestSubscription_Dispose_duringDispatch(t *testing.T) {
	h := newHarness(t)
	var count int
	var sub *Subscription
	h.onTick(t, func() {
		sub = Listen[*host.ChatEvent](h.bridge, host.EventChat).Subscribe(Observer[*host.ChatEvent]{
			Next: func(*host.ChatEvent) error {
				count++
				sub.Dispose()
				return nil
			},
		})
	})
	h.emit(t, &host.ChatEvent{})
	h.emit(t, &host.ChatEvent{})
	assert.Equal(t, 1, count)
}

func TestBridge_hostShutdownCompletesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	const n = 200
	recs := make([]*recorder[*host.ChatEvent], n)
	subs := make([]*Subscription, n)
	stream := Listen[*host.ChatEvent](h.bridge, host.EventChat)
	for i := range n {
		recs[i] = new(recorder[*host.ChatEvent])
		subs[i] = stream.Subscribe(recs[i].observer())
	}
	h.step(t, 1)
	assert.Equal(t, n, h.server.HandlerCount())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		if i%2 == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			subs[i].Dispose()
		}()
	}
	close(start)
	require.NoError(t, h.server.Shutdown(context.Background()))
	wg.Wait()

	for i := range n {
		assert.Equal(t, int32(1), recs[i].completes.Load(), `subscription %d`, i)
		assert.Empty(t, recs[i].errs)
		assert.Equal(t, StateTerminated, subs[i].State())
	}
	assert.Zero(t, h.server.HandlerCount())
	assert.Zero(t, h.bridge.Len())

	var late recorder[*host.ChatEvent]
	sub := stream.Subscribe(late.observer())
	assert.Equal(t, StateTerminated, sub.State())
	sub.Dispose()
	assert.Zero(t, late.completes.Load())
}

func TestSubscription_handlerErrorIsolated(t *testing.T) {
	h := newHarness(t)
	failure := errors.New(`feature failure`)
	var failing recorder[*host.ChatEvent]
	failingObserver := failing.observer()
	failingObserver.Next = func(*host.ChatEvent) error { return failure }
	var panicking recorder[*host.ChatEvent]
	panickingObserver := panicking.observer()
	panickingObserver.Next = func(*host.ChatEvent) error { panic(`feature panic`) }
	var healthy recorder[*host.ChatEvent]

	stream := Listen[*host.ChatEvent](h.bridge, host.EventChat)
	h.onTick(t, func() {
		stream.Subscribe(failingObserver)
		stream.Subscribe(panickingObserver)
		stream.Subscribe(healthy.observer())
	})
	h.emit(t, &host.ChatEvent{})
	h.emit(t, &host.ChatEvent{})

	require.Len(t, failing.errs, 1)
	assert.ErrorIs(t, failing.errs[0], failure)
	require.Len(t, panicking.errs, 1)
	var pe *host.PanicError
	require.ErrorAs(t, panicking.errs[0], &pe)
	assert.Equal(t, `feature panic`, pe.Value)
	assert.Zero(t, failing.completes.Load())
	assert.Zero(t, panicking.completes.Load())

	assert.Equal(t, 2, healthy.count())
	assert.Equal(t, 1, h.server.HandlerCount())
	assert.Equal(t, 1, h.bridge.Len())
}

func TestStream_First(t *testing.T) {
	h := newHarness(t)
	var got []string
	var completed bool
	stream := Listen[*host.PlayerJoinEvent](h.bridge, host.EventPlayerJoin)
	sub := stream.First(func(event *host.PlayerJoinEvent) { got = append(got, event.Player) })
	h.step(t, 1)
	h.emit(t, &host.PlayerJoinEvent{Player: `first`})
	h.emit(t, &host.PlayerJoinEvent{Player: `second`})
	assert.Equal(t, []string{`first`}, got)
	assert.Equal(t, StateTerminated, sub.State())

	stream.Subscribe(Observer[*host.PlayerJoinEvent]{
		Next:     func(*host.PlayerJoinEvent) error { return ErrStop },
		Complete: func() { completed = true },
	})
	h.step(t, 1)
	h.emit(t, &host.PlayerJoinEvent{})
	assert.True(t, completed)
	assert.Zero(t, h.bridge.Len())
}

func TestStream_unexpectedEventType(t *testing.T) {
	h := newHarness(t)
	var rec recorder[*host.ChatEvent]
	Listen[*host.ChatEvent](h.bridge, host.EventPlayerJoin).Subscribe(rec.observer())
	h.step(t, 1)
	h.emit(t, &host.PlayerJoinEvent{})
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrUnexpectedEvent)
}

func TestStream_ignoreCancelled(t *testing.T) {
	h := newHarness(t)
	var filtered, unfiltered recorder[*host.ChatEvent]
	h.onTick(t, func() {
		Listen[*host.ChatEvent](h.bridge, host.EventChat, WithPriority(host.PriorityLowest)).
			Subscribe(Observer[*host.ChatEvent]{Next: func(event *host.ChatEvent) error {
				event.SetCancelled(event.Message == `spam`)
				return nil
			}})
		Listen[*host.ChatEvent](h.bridge, host.EventChat, WithIgnoreCancelled(true)).Subscribe(filtered.observer())
		Listen[*host.ChatEvent](h.bridge, host.EventChat, WithPriority(host.PriorityMonitor)).Subscribe(unfiltered.observer())
	})
	h.emit(t, &host.ChatEvent{Message: `spam`})
	h.emit(t, &host.ChatEvent{Message: `hello`})
	assert.Equal(t, 1, filtered.count())
	assert.Equal(t, 2, unfiltered.count())
}

func TestSubscribe_schedulerShutDown(t *testing.T) {
	h := newHarness(t)
	h.sched.Shutdown()
	var rec recorder[*host.ChatEvent]
	sub := Listen[*host.ChatEvent](h.bridge, host.EventChat).Subscribe(rec.observer())
	assert.Equal(t, StateTerminated, sub.State())
	assert.Equal(t, int32(1), rec.completes.Load())
	assert.Zero(t, h.bridge.Len())
}

func TestBridge_Close(t *testing.T) {
	h := newHarness(t)
	var buf testutil.SyncBuffer
	b := New(h.server, h.sched.Tick, WithLogger(testutil.NewLogger(&buf)))
	var rec recorder[*host.ChatEvent]
	Listen[*host.ChatEvent](b, host.EventChat).Subscribe(rec.observer())
	h.step(t, 1)
	b.Close()
	b.Close()
	assert.Equal(t, int32(1), rec.completes.Load())
	assert.Zero(t, h.server.HandlerCount())
	assert.Contains(t, buf.String(), `subscription registered`)
	assert.Contains(t, buf.String(), `event bridge closed`)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, `created`, StateCreated.String())
	assert.Equal(t, `registering`, StateRegistering.String())
	assert.Equal(t, `active`, StateActive.String())
	assert.Equal(t, `terminated`, StateTerminated.String())
	assert.Equal(t, `unknown`, State(9).String())
}
