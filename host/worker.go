package host

import (
	"context"
	"sync"
)

// workerPool is a fixed set of goroutines draining an unbounded FIFO queue.
// Submission never blocks, so the tick thread may hand off work freely.
type workerPool struct {
	exec   func(fn func())
	cond   *sync.Cond
	done   chan struct{}
	queue  []func()
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func newWorkerPool(n int, exec func(fn func())) *workerPool {
	p := &workerPool{
		exec: exec,
		done: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(n)
	for range n {
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p
}

func (p *workerPool) submit(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, fn)
	p.cond.Signal()
	return true
}

// close stops accepting work. Queued work is still drained.
func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *workerPool) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		fn, ok := p.next()
		if !ok {
			return
		}
		p.exec(fn)
	}
}

func (p *workerPool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.closed {
			return nil, false
		}
		p.cond.Wait()
	}
	fn := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return fn, true
}
