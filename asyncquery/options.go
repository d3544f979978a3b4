package asyncquery

import (
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/logiface"
)

type runnerOptions struct {
	logger *logiface.Logger[logiface.Event]
	batch  microbatch.BatcherConfig
}

// Option configures a Runner.
type Option interface {
	applyRunner(*runnerOptions)
}

type runnerOptionImpl struct {
	applyRunnerFunc func(*runnerOptions)
}

func (x *runnerOptionImpl) applyRunner(opts *runnerOptions) {
	x.applyRunnerFunc(opts)
}

// WithLogger configures the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &runnerOptionImpl{func(opts *runnerOptions) {
		opts.logger = logger
	}}
}

// WithMaxBatchSize limits the number of queries per batch. See
// microbatch.BatcherConfig.MaxSize.
func WithMaxBatchSize(n int) Option {
	return &runnerOptionImpl{func(opts *runnerOptions) {
		opts.batch.MaxSize = n
	}}
}

// WithFlushInterval sets the longest a query will wait for its batch to
// fill. See microbatch.BatcherConfig.FlushInterval.
func WithFlushInterval(d time.Duration) Option {
	return &runnerOptionImpl{func(opts *runnerOptions) {
		opts.batch.FlushInterval = d
	}}
}

// WithMaxConcurrency limits the number of batches in flight. See
// microbatch.BatcherConfig.MaxConcurrency.
func WithMaxConcurrency(n int) Option {
	return &runnerOptionImpl{func(opts *runnerOptions) {
		opts.batch.MaxConcurrency = n
	}}
}

func resolveRunnerOptions(opts []Option) *runnerOptions {
	var cfg runnerOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyRunner(&cfg)
		}
	}
	return &cfg
}
