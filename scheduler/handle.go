package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-tickbridge/host"
)

const (
	handlePending int32 = iota
	handleRunning
	handleDone
	handleCancelled
)

// Handle is the cancellation token returned by both scheduler views.
// The zero value is not usable, but a nil *Handle is safe, and behaves as
// though it were cancelled.
type Handle struct {
	core   *core
	task   host.Task
	origin string
	id     uint64
	mu     sync.Mutex
	state  atomic.Int32
}

// Cancel prevents any future execution of the action, and cancels the
// underlying host task. It is idempotent, safe to call from any goroutine,
// and returns true only for the call that performed the cancellation.
//
// Once Cancel has returned true, a one-shot action will never run. A
// periodic action may still complete an execution that began before the
// call.
func (x *Handle) Cancel() bool {
	if x == nil || !x.state.CompareAndSwap(handlePending, handleCancelled) {
		return false
	}
	x.mu.Lock()
	task := x.task
	x.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
	x.core.forget(x)
	return true
}

// Cancelled reports whether the action was cancelled, including by a
// scheduler shutdown, before it could run.
func (x *Handle) Cancelled() bool {
	return x == nil || x.state.Load() == handleCancelled
}

// Done reports whether a one-shot action has finished running.
func (x *Handle) Done() bool {
	return x != nil && x.state.Load() == handleDone
}

// bind attaches the host task, once posted.
func (x *Handle) bind(task host.Task) {
	x.mu.Lock()
	x.task = task
	x.mu.Unlock()
	if x.state.Load() == handleCancelled {
		task.Cancel()
	}
}

// cancelled is returned by operations on a shut down scheduler.
func cancelledHandle() *Handle {
	h := new(Handle)
	h.state.Store(handleCancelled)
	return h
}
