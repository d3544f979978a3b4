package eventbridge

import (
	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/logiface"
)

type bridgeOptions struct {
	logger *logiface.Logger[logiface.Event]
}

// Option configures a Bridge.
type Option interface {
	applyBridge(*bridgeOptions)
}

type bridgeOptionImpl struct {
	applyBridgeFunc func(*bridgeOptions)
}

func (x *bridgeOptionImpl) applyBridge(opts *bridgeOptions) {
	x.applyBridgeFunc(opts)
}

// WithLogger configures the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) {
		opts.logger = logger
	}}
}

type listenOptions struct {
	priority        host.Priority
	ignoreCancelled bool
}

// ListenOption configures a Stream.
type ListenOption interface {
	applyListen(*listenOptions)
}

type listenOptionImpl struct {
	applyListenFunc func(*listenOptions)
}

func (x *listenOptionImpl) applyListen(opts *listenOptions) {
	x.applyListenFunc(opts)
}

// WithPriority sets the host handler priority, defaults to
// [host.PriorityNormal].
func WithPriority(priority host.Priority) ListenOption {
	return &listenOptionImpl{func(opts *listenOptions) {
		opts.priority = priority
	}}
}

// WithIgnoreCancelled skips events that an earlier handler cancelled.
func WithIgnoreCancelled(ignoreCancelled bool) ListenOption {
	return &listenOptionImpl{func(opts *listenOptions) {
		opts.ignoreCancelled = ignoreCancelled
	}}
}

func resolveListenOptions(opts []ListenOption) listenOptions {
	cfg := listenOptions{priority: host.PriorityNormal}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyListen(&cfg)
	}
	return cfg
}
