package host

import (
	"sync/atomic"

	"github.com/joeycumines/go-tickbridge/tickclock"
)

const (
	taskPending int32 = iota
	taskStarted
	taskCancelled
)

// task is the Server's implementation of Task.
type task struct {
	fn     func()
	ctx    Context
	when   tickclock.Tick
	period tickclock.Tick
	seq    uint64
	state  atomic.Int32
}

var _ Task = (*task)(nil)

func (t *task) Cancel() bool {
	return t.state.CompareAndSwap(taskPending, taskCancelled)
}

func (t *task) Cancelled() bool {
	return t.state.Load() == taskCancelled
}

// begin reports whether an execution of the task may proceed. One-shot tasks
// may only begin once, periodic tasks may begin any number of times, until
// they are cancelled.
func (t *task) begin() bool {
	if t.period > 0 {
		return t.state.Load() == taskPending
	}
	return t.state.CompareAndSwap(taskPending, taskStarted)
}

// taskHeap is a min-heap of tasks, ordered by due tick, then submission order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
