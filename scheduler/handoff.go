package scheduler

import (
	"github.com/joeycumines/go-tickbridge/host"
)

// RunAsyncThenSync runs work on the worker pool, then passes its result to
// then, on the tick thread. A panic in work is passed to then as a
// [*host.PanicError].
//
// The returned Handle cancels the work, if it has not yet started. If the
// tick scheduler shuts down while work is running, then is not called.
func RunAsyncThenSync[T any](d *Dual, work func() (T, error), then func(T, error)) *Handle {
	return d.Worker.ScheduleOnce(func() {
		value, err := callRecover(work)
		d.Tick.ScheduleOnce(func() { then(value, err) }, 0)
	}, 0)
}

func callRecover[T any](fn func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &host.PanicError{Value: r}
		}
	}()
	return fn()
}
