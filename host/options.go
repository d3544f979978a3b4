package host

import (
	"fmt"
	"runtime"

	"github.com/joeycumines/go-tickbridge/tickclock"
	"github.com/joeycumines/logiface"
)

// serverOptions holds configuration options for Server creation.
type serverOptions struct {
	logger  *logiface.Logger[logiface.Event]
	rate    tickclock.Rate
	workers int
	manual  bool
}

// Option configures a Server instance.
type Option interface {
	applyServer(*serverOptions) error
}

type serverOptionImpl struct {
	applyServerFunc func(*serverOptions) error
}

func (x *serverOptionImpl) applyServer(opts *serverOptions) error {
	return x.applyServerFunc(opts)
}

// WithTickRate sets the nominal tick rate, defaults to
// [tickclock.DefaultRate].
func WithTickRate(rate tickclock.Rate) Option {
	return &serverOptionImpl{func(opts *serverOptions) error {
		if !rate.Valid() {
			return fmt.Errorf(`host: invalid tick rate: %d`, rate)
		}
		opts.rate = rate
		return nil
	}}
}

// WithWorkers sets the number of worker goroutines backing the [Async]
// context. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return &serverOptionImpl{func(opts *serverOptions) error {
		if n <= 0 {
			return fmt.Errorf(`host: invalid worker count: %d`, n)
		}
		opts.workers = n
		return nil
	}}
}

// WithManualTicks disables the internal ticker. The server must instead be
// advanced by calling [Server.Step], and Run will return ErrManualTicks.
func WithManualTicks() Option {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.manual = true
		return nil
	}}
}

// WithLogger configures the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveServerOptions(opts []Option) (*serverOptions, error) {
	cfg := &serverOptions{
		rate:    tickclock.DefaultRate,
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyServer(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
