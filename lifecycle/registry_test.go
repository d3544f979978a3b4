package lifecycle

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
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
	return &harness{server: s, sched: scheduler.New(s)}
}

func (h *harness) step(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, h.server.Step(n))
}

// outcomes records every outcome delivered, per request id.
type outcomes struct {
	m  map[int][]Outcome
	mu sync.Mutex
}

func (x *outcomes) record(id int, outcome Outcome) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.m == nil {
		x.m = make(map[int][]Outcome)
	}
	x.m[id] = append(x.m[id], outcome)
}

func (x *outcomes) get(id int) []Outcome {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.m[id]
}

func (x *outcomes) request(id int, timeout time.Duration) Request[int] {
	return Request[int]{
		Value:     id,
		Timeout:   timeout,
		OnOutcome: x.record,
	}
}

func TestRegistry_Accept(t *testing.T) {
	h := newHarness(t)
	r := New[string, int](h.sched.Tick)
	var accepted atomic.Int32
	var got []Outcome
	require.NoError(t, r.Open(`alice`, Request[int]{
		Value:     7,
		OnAccept:  func(v int) { accepted.Add(int32(v)) },
		OnDecline: func(int) { t.Error(`unexpected decline`) },
		OnOutcome: func(_ int, o Outcome) { got = append(got, o) },
	}))
	assert.True(t, r.Has(`alice`))
	v, ok := r.Peek(`alice`)
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, r.Pending())

	assert.True(t, r.Accept(`alice`))
	assert.Equal(t, int32(7), accepted.Load())
	assert.Equal(t, []Outcome{Accepted}, got)
	assert.False(t, r.Has(`alice`))
	assert.Zero(t, r.Pending())

	assert.False(t, r.Accept(`alice`))
	assert.False(t, r.Decline(`alice`))
	assert.False(t, r.Invalidate(`alice`))
	_, ok = r.Peek(`alice`)
	assert.False(t, ok)

	// the timer was cancelled
	assert.Zero(t, h.sched.Tick.Pending())
	h.step(t, 1300)
	assert.Equal(t, []Outcome{Accepted}, got)
}

func TestRegistry_Decline_Invalidate(t *testing.T) {
	h := newHarness(t)
	r := New[int, int](h.sched.Tick)
	var rec outcomes
	require.NoError(t, r.Open(1, rec.request(1, 0)))
	require.NoError(t, r.Open(2, rec.request(2, 0)))
	assert.True(t, r.Decline(1))
	assert.True(t, r.Invalidate(2))
	assert.Equal(t, []Outcome{Declined}, rec.get(1))
	assert.Equal(t, []Outcome{Invalidated}, rec.get(2))
	assert.Zero(t, r.Pending())
}

func TestRegistry_timeout(t *testing.T) {
	h := newHarness(t)
	r := New[string, int](h.sched.Tick)
	var firedAt atomic.Int64
	var onTickThread atomic.Bool
	require.NoError(t, r.Open(`alice`, Request[int]{
		Timeout: time.Minute,
		OnTimeout: func(int) {
			firedAt.Store(int64(h.server.CurrentTick()))
			onTickThread.Store(h.server.IsPrimaryThread())
		},
	}))

	h.step(t, 1199)
	assert.Zero(t, firedAt.Load())
	assert.True(t, r.Has(`alice`))

	h.step(t, 1)
	assert.Equal(t, int64(1200), firedAt.Load())
	assert.True(t, onTickThread.Load())
	assert.False(t, r.Has(`alice`))
	assert.False(t, r.Accept(`alice`))
}

func TestRegistry_defaultTimeout(t *testing.T) {
	h := newHarness(t)
	r := New[int, int](h.sched.Tick, nil, WithDefaultTimeout(time.Second))
	var rec outcomes
	require.NoError(t, r.Open(1, rec.request(1, 0)))
	h.step(t, 19)
	assert.Empty(t, rec.get(1))
	h.step(t, 1)
	assert.Equal(t, []Outcome{TimedOut}, rec.get(1))
}

func TestRegistry_replaced(t *testing.T) {
	h := newHarness(t)
	r := New[string, string](h.sched.Tick)
	var order []string
	open := func(value string) {
		require.NoError(t, r.Open(`alice`, Request[string]{
			Value:      value,
			OnReplaced: func(v string) { order = append(order, v+` replaced`) },
			OnAccept:   func(v string) { order = append(order, v+` accepted`) },
		}))
	}
	open(`first`)
	open(`second`)
	assert.Equal(t, []string{`first replaced`}, order)
	assert.Equal(t, 1, r.Pending())
	v, _ := r.Peek(`alice`)
	assert.Equal(t, `second`, v)

	assert.True(t, r.Accept(`alice`))
	assert.Equal(t, []string{`first replaced`, `second accepted`}, order)

	// the replaced request's timer no longer fires
	h.step(t, 1300)
	assert.Len(t, order, 2)
	assert.Zero(t, h.sched.Tick.Pending())
}

// A request replaced before Open returns, by a callback of the request it
// replaced, must still finish before its replacement.
func TestRegistry_replacedBeforeArmed(t *testing.T) {
	h := newHarness(t)
	r := New[string, string](h.sched.Tick)
	var order []string
	require.NoError(t, r.Open(`alice`, Request[string]{
		Value: `first`,
		OnReplaced: func(v string) {
			order = append(order, v+` replaced`)
			require.NoError(t, r.Open(`alice`, Request[string]{
				Value:    `third`,
				OnAccept: func(v string) { order = append(order, v+` accepted`) },
			}))
			assert.True(t, r.Accept(`alice`))
		},
	}))
	require.NoError(t, r.Open(`alice`, Request[string]{
		Value:      `second`,
		OnReplaced: func(v string) { order = append(order, v+` replaced`) },
		OnAccept:   func(v string) { order = append(order, v+` accepted`) },
	}))
	assert.Equal(t, []string{`first replaced`, `second replaced`, `third accepted`}, order)
	assert.Zero(t, r.Pending())
	assert.False(t, r.Has(`alice`))

	// the second request was never armed
	assert.Zero(t, h.sched.Tick.Pending())
	h.step(t, 1300)
	assert.Len(t, order, 3)
}

func TestRegistry_rateLimit(t *testing.T) {
	h := newHarness(t)
	r := New[int, int](h.sched.Tick, WithRateLimit(map[time.Duration]int{time.Minute: 2}))
	var rec outcomes
	open := func(id int, requester any) error {
		req := rec.request(id, 0)
		req.Requester = requester
		return r.Open(id, req)
	}
	require.NoError(t, open(1, `alice`))
	require.NoError(t, open(2, `alice`))

	err := open(3, `alice`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, `alice`, rle.Requester)
	assert.Greater(t, rle.RetryAfter(time.Now()), time.Duration(0))
	assert.Zero(t, rle.RetryAfter(rle.Next.Add(time.Second)))
	assert.Contains(t, err.Error(), `rate limited: alice`)
	assert.False(t, r.Has(3))
	assert.Empty(t, rec.get(3))

	require.NoError(t, open(3, `bob`))
	require.NoError(t, open(4, nil))
	assert.Equal(t, 4, r.Pending())
}

func TestRegistry_rateLimitLeavesPendingRequest(t *testing.T) {
	h := newHarness(t)
	r := New[string, int](h.sched.Tick, WithRateLimit(map[time.Duration]int{time.Hour: 1}))
	var rec outcomes
	req := rec.request(1, 0)
	req.Requester = `alice`
	require.NoError(t, r.Open(`k`, req))
	req = rec.request(2, 0)
	req.Requester = `alice`
	require.ErrorIs(t, r.Open(`k`, req), ErrRateLimited)
	v, ok := r.Peek(`k`)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Empty(t, rec.get(1))
}

func TestRegistry_Close(t *testing.T) {
	h := newHarness(t)
	var buf testutil.SyncBuffer
	r := New[int, int](h.sched.Tick, WithLogger(testutil.NewLogger(&buf)))
	var rec outcomes
	for i := range 5 {
		require.NoError(t, r.Open(i, rec.request(i, 0)))
	}
	require.True(t, r.Accept(0))
	r.Close()
	r.Close()
	assert.Equal(t, []Outcome{Accepted}, rec.get(0))
	for i := 1; i < 5; i++ {
		assert.Equal(t, []Outcome{Invalidated}, rec.get(i))
	}
	assert.Zero(t, r.Pending())
	assert.Zero(t, h.sched.Tick.Pending())
	assert.Equal(t, 1, strings.Count(buf.String(), `request registry closed`))
	assert.Contains(t, buf.String(), `"invalidated":4`)

	// requests opened after close are invalidated immediately
	require.NoError(t, r.Open(9, rec.request(9, 0)))
	assert.Equal(t, []Outcome{Invalidated}, rec.get(9))
	assert.False(t, r.Has(9))
	assert.Zero(t, r.Pending())
}

func TestRegistry_closeOnShutdown(t *testing.T) {
	h := newHarness(t)
	r := New[int, int](h.sched.Tick, WithCloseOnShutdown(h.server))
	var rec outcomes
	require.NoError(t, r.Open(1, rec.request(1, 0)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))
	assert.Equal(t, []Outcome{Invalidated}, rec.get(1))
	assert.Zero(t, r.Pending())
}

func TestRegistry_schedulerShutDown(t *testing.T) {
	h := newHarness(t)
	r := New[int, int](h.sched.Tick)
	h.sched.Shutdown()
	var rec outcomes
	require.NoError(t, r.Open(1, rec.request(1, 0)))
	assert.Equal(t, []Outcome{Invalidated}, rec.get(1))
	assert.False(t, r.Has(1))
	assert.Zero(t, r.Pending())
}

func TestRegistry_callbackPanicIsolated(t *testing.T) {
	h := newHarness(t)
	var buf testutil.SyncBuffer
	r := New[int, int](h.sched.Tick, WithLogger(testutil.NewLogger(&buf)))
	var outcome atomic.Int32
	require.NoError(t, r.Open(1, Request[int]{
		OnAccept:  func(int) { panic(`boom`) },
		OnOutcome: func(_ int, o Outcome) { outcome.Store(int32(o)) },
	}))
	assert.NotPanics(t, func() { assert.True(t, r.Accept(1)) })
	assert.Equal(t, int32(Accepted), outcome.Load())
	assert.Contains(t, buf.String(), `request callback panicked`)
	assert.Contains(t, buf.String(), `boom`)
}

func TestNew_nilScheduler(t *testing.T) {
	assert.Panics(t, func() { New[int, int](nil) })
}

// TestRegistry_exactlyOneOutcome_randomized interleaves every way a request
// may finish, on the tick thread and off it.
func TestRegistry_exactlyOneOutcome_randomized(t *testing.T) {
	const (
		requests = 10_000
		keys     = 16
	)
	h := newHarness(t)
	r := New[int, int](h.sched.Tick)
	rng := rand.New(rand.NewPCG(1, 2))
	var rec outcomes
	var sources [keys]chan struct{}

	for id := range requests {
		key := rng.IntN(keys)
		req := rec.request(id, time.Duration(1+rng.IntN(4))*50*time.Millisecond)
		if rng.IntN(4) == 0 {
			ch := make(chan struct{})
			sources[key] = ch
			req.Signal = ChannelSignal(h.sched.Tick, ch)
		}
		if rng.IntN(2) == 0 {
			require.NoError(t, r.Open(key, req))
		} else {
			_, err := h.server.Post(host.Main, func() { require.NoError(t, r.Open(key, req)) })
			require.NoError(t, err)
		}

		switch rng.IntN(7) {
		case 0:
			r.Accept(rng.IntN(keys))
		case 1:
			r.Decline(rng.IntN(keys))
		case 2:
			r.Invalidate(rng.IntN(keys))
		case 3:
			if ch := sources[key]; ch != nil {
				sources[key] = nil
				close(ch)
			}
		case 4:
			_, err := h.server.Post(host.Main, func() { r.Accept(key) })
			require.NoError(t, err)
		}
		if rng.IntN(3) == 0 {
			h.step(t, 1+rng.IntN(3))
		}
	}

	// everything either times out or is invalidated, by now
	h.step(t, 10)
	r.Close()

	for id := range requests {
		if !assert.Len(t, rec.get(id), 1, `request %d`, id) {
			break
		}
	}
	assert.Zero(t, r.Pending())
}

func TestRegistry_exactlyOneOutcome_concurrent(t *testing.T) {
	const (
		workers  = 8
		perGo    = 1000
		keys     = 8
		deciders = 4
	)
	h := newHarness(t)
	r := New[int, int](h.sched.Tick)
	var rec outcomes

	stepping := make(chan struct{})
	stepped := make(chan struct{})
	go func() {
		defer close(stepped)
		for {
			select {
			case <-stepping:
				return
			default:
			}
			if err := h.server.Step(1); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	var ids atomic.Int64
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 99))
			for range perGo {
				id := int(ids.Add(1))
				key := rng.IntN(keys)
				if err := r.Open(key, rec.request(id, time.Duration(1+rng.IntN(3))*50*time.Millisecond)); err != nil {
					t.Error(err)
					return
				}
				for range rng.IntN(deciders) {
					switch rng.IntN(3) {
					case 0:
						r.Accept(rng.IntN(keys))
					case 1:
						r.Decline(rng.IntN(keys))
					default:
						r.Invalidate(rng.IntN(keys))
					}
				}
			}
		}()
	}
	wg.Wait()
	close(stepping)
	<-stepped

	h.step(t, 10)
	r.Close()

	total := int(ids.Load())
	require.Equal(t, workers*perGo, total)
	counts := make(map[Outcome]int)
	for id := 1; id <= total; id++ {
		got := rec.get(id)
		if !assert.Len(t, got, 1, `request %d`, id) {
			break
		}
		counts[got[0]]++
	}
	assert.Zero(t, r.Pending())
	t.Logf(`outcomes: %v`, counts)
}

func TestRateLimitError_Is(t *testing.T) {
	err := error(&RateLimitError{Requester: 1})
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(ErrRateLimited, err))
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{
		Accepted:    `accepted`,
		Declined:    `declined`,
		TimedOut:    `timed out`,
		Invalidated: `invalidated`,
		Replaced:    `replaced`,
		0:           `unknown`,
	} {
		assert.Equal(t, want, o.String())
	}
}
