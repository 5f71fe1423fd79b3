package engine

import (
	"context"
	"sync"
)

// JobHandler processes a TransferJob on the worker with the given ID. Worker
// IDs start at 0 and are never reused, so a handler can key per-worker
// resources such as scratch directories by ID.
type JobHandler func(ctx context.Context, worker int, job TransferJob)

// WorkerPool runs jobs from a channel on a bounded set of workers.
type WorkerPool struct {
	jobChan JobChannel
	handler JobHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	// live counts running goroutines, including retired workers finishing
	// their last job.
	live    int
	started bool
	wg      sync.WaitGroup
}

// NewWorkerPool creates a new worker pool with no workers.
func NewWorkerPool(ctx context.Context, jobChan JobChannel, handler JobHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		jobChan: jobChan,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]chan struct{}),
	}
}

// SetWorkerCount scales the number of workers up or down. A removed worker
// finishes its current job before exiting. Once every worker has exited the
// pool is finished and SetWorkerCount does nothing.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started && p.live == 0 {
		return
	}
	p.started = true

	for p.workerCount < count {
		p.addWorker()
	}

	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the number of workers taking new jobs.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

func (p *WorkerPool) addWorker() {
	quitChan := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quitChan
	p.workerCount++
	p.live++
	p.wg.Add(1)

	go func(id int, quit chan struct{}) {
		defer p.exit(id)
		for {
			// Prioritize quit and context cancellation checking
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case job, ok := <-p.jobChan:
				if !ok {
					return
				}
				p.handler(p.ctx, id, job)
			}
		}
	}(id, quitChan)
}

func (p *WorkerPool) removeWorker() {
	// Retire the newest worker.
	for id := p.nextID - 1; id >= 0; id-- {
		if quit, ok := p.workers[id]; ok {
			close(quit) // exits once its current job finishes
			delete(p.workers, id)
			p.workerCount--
			return
		}
	}
}

func (p *WorkerPool) exit(id int) {
	p.mu.Lock()
	if _, ok := p.workers[id]; ok {
		delete(p.workers, id)
		p.workerCount--
	}
	p.live--
	p.mu.Unlock()
	p.wg.Done()
}

// Wait blocks until every worker has exited, which happens once the job
// channel is closed and drained or the pool's context is cancelled.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Stop cancels the pool's context and waits for workers to exit. Jobs
// already running see the cancelled context.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}
