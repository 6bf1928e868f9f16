package controller

import (
	"sync"

	"github.com/armadaproject/corral/internal/common/corralcontext"
)

// WorkerPool runs blocking work (journal syncs, agent messages, accounting writes, name lookups) on a fixed
// number of goroutines. Submit never blocks: work queues until a worker is free, so the event loop can hand
// off work without waiting.
type WorkerPool struct {
	size    int
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func(ctx *corralcontext.Context)
	stopped bool
	wg      sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{size: size}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. They exit once Stop is called and the queue is drained.
func (p *WorkerPool) Start(ctx *corralcontext.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit queues fn. It returns false if the pool has been stopped, in which case fn never runs.
func (p *WorkerPool) Submit(fn func(ctx *corralcontext.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.queue = append(p.queue, fn)
	p.cond.Signal()
	return true
}

// Queued is the number of work items waiting for a worker.
func (p *WorkerPool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stop rejects further work and waits for the queued work to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) worker(ctx *corralcontext.Context) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.run(ctx, fn)
	}
}

func (p *WorkerPool) run(ctx *corralcontext.Context, fn func(ctx *corralcontext.Context)) {
	defer func() {
		if r := recover(); r != nil {
			ctx.Log.Errorf("Worker recovered from panic: %v", r)
		}
	}()
	fn(ctx)
}
