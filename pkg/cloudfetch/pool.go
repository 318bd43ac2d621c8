package cloudfetch

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Submitter accepts work without blocking the caller.
type Submitter interface {
	// TrySubmit queues task or returns ErrPoolSaturated / ErrPoolClosed.
	TrySubmit(task func(ctx context.Context)) error
}

// Pool runs download work on a fixed number of workers fed from a bounded queue.
// The context handed to tasks is cancelled by Close.
type Pool struct {
	jobs    chan func(context.Context)
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	done    chan struct{}

	inFlight atomic.Int32

	mu     sync.RWMutex
	closed bool
}

// NewPool starts a pool running at most workers tasks at once, with room for
// queue tasks waiting for a worker. Non-positive values are raised to 1.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan func(context.Context), queue),
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// TrySubmit queues task without blocking.
func (p *Pool) TrySubmit(task func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- task:
		recordPoolSubmission(true)
		return nil
	default:
		recordPoolSubmission(false)
		return ErrPoolSaturated
	}
}

// InFlight returns the number of tasks currently running.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.jobs)
}

// Close stops accepting work, cancels running tasks and waits for them to return.
// Queued tasks that never started are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.cancel()
	<-p.done
}

func (p *Pool) dispatch() {
	defer close(p.done)
	defer p.running.Wait()

	for task := range p.jobs {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// Closed: drain without running.
			continue
		}

		p.running.Add(1)
		p.inFlight.Add(1)
		go func() {
			defer p.running.Done()
			defer p.inFlight.Add(-1)
			defer p.sem.Release(1)
			task(p.ctx)
		}()
	}
}
