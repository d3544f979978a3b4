package scheduler

import (
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultPanicLogRates limits the number of panics logged, per origin.
var DefaultPanicLogRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

type schedulerOptions struct {
	logger        *logiface.Logger[logiface.Event]
	panicLogRates map[time.Duration]int
}

// Option configures a Dual scheduler.
type Option interface {
	applyScheduler(*schedulerOptions)
}

type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions)
}

func (x *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) {
	x.applySchedulerFunc(opts)
}

// WithLogger configures the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) {
		opts.logger = logger
	}}
}

// WithPanicLogRates configures the rate limits, per origin (the file:line
// that scheduled the action), applied to logging of panicking actions.
// Rates must be valid for [catrate.NewLimiter]. A nil or empty map disables
// limiting.
func WithPanicLogRates(rates map[time.Duration]int) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) {
		opts.panicLogRates = rates
	}}
}

func resolveSchedulerOptions(opts []Option) *schedulerOptions {
	cfg := &schedulerOptions{
		panicLogRates: DefaultPanicLogRates,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyScheduler(cfg)
	}
	return cfg
}
