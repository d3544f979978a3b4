// Package testutil contains helpers shared by tests in this module.
package testutil

import (
	"bytes"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// T is the subset of testing.TB used by this package.
type T interface {
	Helper()
	Errorf(format string, args ...any)
}

// CheckNumGoroutines records the current number of goroutines, returning a
// function that fails the test if, within timeout, the number of goroutines
// has not returned to (at most) that value.
//
//	defer testutil.CheckNumGoroutines(time.Second * 3)(t)
func CheckNumGoroutines(timeout time.Duration) func(t T) {
	start := runtime.NumGoroutine()
	return func(t T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			n := runtime.NumGoroutine()
			if n <= start {
				return
			}
			if time.Now().After(deadline) {
				buf := make([]byte, 1<<16)
				buf = buf[:runtime.Stack(buf, true)]
				t.Errorf("goroutine leak: started with %d, ended with %d\n%s", start, n, buf)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}

// SyncBuffer is a bytes.Buffer that is safe for concurrent writes, for use
// as a log sink.
type SyncBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (x *SyncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *SyncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

// NewLogger returns a JSON logger writing to w, with timestamps disabled,
// and all levels enabled.
func NewLogger(w io.Writer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}
