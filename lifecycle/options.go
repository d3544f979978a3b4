package lifecycle

import (
	"time"

	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/logiface"
)

// DefaultTimeout is used for requests that do not specify one.
const DefaultTimeout = time.Minute

type registryOptions struct {
	logger         *logiface.Logger[logiface.Event]
	rates          map[time.Duration]int
	shutdown       host.ShutdownBroadcaster
	defaultTimeout time.Duration
}

// Option configures a Registry.
type Option interface {
	applyRegistry(*registryOptions)
}

type registryOptionImpl struct {
	applyRegistryFunc func(*registryOptions)
}

func (x *registryOptionImpl) applyRegistry(opts *registryOptions) {
	x.applyRegistryFunc(opts)
}

// WithLogger configures the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &registryOptionImpl{func(opts *registryOptions) {
		opts.logger = logger
	}}
}

// WithDefaultTimeout sets the timeout for requests that do not specify
// one, defaults to DefaultTimeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return &registryOptionImpl{func(opts *registryOptions) {
		opts.defaultTimeout = timeout
	}}
}

// WithRateLimit limits how many requests each Request.Requester may open,
// per sliding window. Rates must be valid for catrate.NewLimiter.
func WithRateLimit(rates map[time.Duration]int) Option {
	return &registryOptionImpl{func(opts *registryOptions) {
		opts.rates = rates
	}}
}

// WithCloseOnShutdown closes the registry on the host's shutdown broadcast.
func WithCloseOnShutdown(broadcaster host.ShutdownBroadcaster) Option {
	return &registryOptionImpl{func(opts *registryOptions) {
		opts.shutdown = broadcaster
	}}
}
