package asyncquery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/go-tickbridge/scheduler"
	"github.com/joeycumines/logiface"
)

var (
	// ErrClosed is delivered to queries submitted after the Runner was
	// closed, or that were still queued when it was closed.
	ErrClosed = errors.New(`asyncquery: closed`)

	// ErrResultCount indicates a BatchFunc returned the wrong number of
	// results.
	ErrResultCount = errors.New(`asyncquery: result count mismatch`)
)

type (
	// BatchFunc serves a batch of queries, returning one result per query,
	// in the same order. It is called on a worker goroutine.
	BatchFunc[Q, R any] func(ctx context.Context, queries []Q) ([]R, error)

	// Runner submits queries to a BatchFunc. Must be initialized via New.
	Runner[Q, R any] struct {
		dual    *scheduler.Dual
		fn      BatchFunc[Q, R]
		logger  *logiface.Logger[logiface.Event]
		batcher *microbatch.Batcher[*job[Q, R]]
		closed  atomic.Bool
	}

	job[Q, R any] struct {
		query  Q
		result R
	}
)

// Single adapts a function serving one query at a time, to a BatchFunc.
// The first error fails the whole batch.
func Single[Q, R any](fn func(ctx context.Context, query Q) (R, error)) BatchFunc[Q, R] {
	return func(ctx context.Context, queries []Q) ([]R, error) {
		results := make([]R, len(queries))
		for i, query := range queries {
			var err error
			if results[i], err = fn(ctx, query); err != nil {
				return nil, err
			}
		}
		return results, nil
	}
}

// New creates a Runner, which calls fn on d's worker pool. The Close or
// Shutdown method should be called once the Runner is no longer needed.
func New[Q, R any](d *scheduler.Dual, fn BatchFunc[Q, R], opts ...Option) *Runner[Q, R] {
	if d == nil {
		panic(`asyncquery: nil scheduler`)
	}
	if fn == nil {
		panic(`asyncquery: nil batch func`)
	}
	cfg := resolveRunnerOptions(opts)
	x := &Runner[Q, R]{
		dual:   d,
		fn:     fn,
		logger: cfg.logger,
	}
	x.batcher = microbatch.NewBatcher(&cfg.batch, x.process)
	return x
}

// Submit runs query as part of a batch, then calls onResult with the result,
// on the tick thread. A panic in the BatchFunc is delivered as a
// *host.PanicError.
//
// The returned Handle may be used to abandon the query, if it has not yet
// been picked up by a worker. The onResult callback is not called if the
// tick scheduler has shut down.
func (x *Runner[Q, R]) Submit(query Q, onResult func(result R, err error)) *scheduler.Handle {
	if onResult == nil {
		onResult = func(R, error) {}
	}
	return scheduler.RunAsyncThenSync(x.dual, func() (R, error) { return x.Query(context.Background(), query) }, onResult)
}

// Query runs query as part of a batch, blocking until the result is
// available, or ctx is done. It must not be called on the tick thread.
func (x *Runner[Q, R]) Query(ctx context.Context, query Q) (result R, err error) {
	res, err := x.batcher.Submit(ctx, &job[Q, R]{query: query})
	if err != nil {
		return result, x.mapErr(ctx, err)
	}
	if err := res.Wait(ctx); err != nil {
		return result, x.mapErr(ctx, err)
	}
	return res.Job.result, nil
}

func (x *Runner[Q, R]) mapErr(ctx context.Context, err error) error {
	if ctx.Err() == nil && x.closed.Load() && errors.Is(err, context.Canceled) {
		return ErrClosed
	}
	return err
}

func (x *Runner[Q, R]) process(ctx context.Context, jobs []*job[Q, R]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &host.PanicError{Value: r}
		}
		if err != nil {
			x.logger.Err().
				Err(err).
				Int(`jobs`, len(jobs)).
				Log(`query batch failed`)
		}
	}()

	queries := make([]Q, len(jobs))
	for i, j := range jobs {
		queries[i] = j.query
	}

	results, err := x.fn(ctx, queries)
	if err != nil {
		return err
	}
	if len(results) != len(jobs) {
		return fmt.Errorf(`%w: got %d, want %d`, ErrResultCount, len(results), len(jobs))
	}
	for i, j := range jobs {
		j.result = results[i]
	}

	x.logger.Trace().
		Int(`jobs`, len(jobs)).
		Log(`query batch done`)

	return nil
}

// Shutdown stops accepting queries, then waits for queued and running
// batches to finish. If ctx is done first, the remaining queries are
// cancelled, and ctx's error is returned.
func (x *Runner[Q, R]) Shutdown(ctx context.Context) error {
	x.closed.Store(true)
	err := x.batcher.Shutdown(ctx)
	x.logger.Debug().Log(`query runner shut down`)
	return err
}

// Close cancels all queued and running queries, which fail with ErrClosed.
func (x *Runner[Q, R]) Close() error {
	x.closed.Store(true)
	err := x.batcher.Close()
	x.logger.Debug().Log(`query runner closed`)
	return err
}
