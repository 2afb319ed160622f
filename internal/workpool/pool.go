// Package workpool runs fire-and-forget tasks off the event path on a fixed
// set of workers. Tasks submitted under the same key run on the same worker,
// in submission order.
package workpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Tyrowin/nexus-realtime/internal/logger"
)

// Task is a unit of background work.
type Task func(ctx context.Context)

// Pool is a keyed worker pool.
type Pool struct {
	log    *logger.Logger
	queues []chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given number of workers, each with its own
// buffered queue.
func New(log *logger.Logger, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:    log.With("component", "WorkPool"),
		queues: make([]chan Task, workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, queueSize)
		p.wg.Add(1)
		go p.run(i)
	}
	p.log.Info("Starting work pool", "workers", workers, "queue_size", queueSize)
	return p
}

// Submit enqueues a task without blocking. It returns false when the pool is
// closed or the worker's queue is full; the task is then dropped.
func (p *Pool) Submit(key string, task Task) bool {
	if task == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	q := p.queues[xxhash.Sum64String(key)%uint64(len(p.queues))]
	select {
	case q <- task:
		return true
	default:
		p.log.Warn("Dropping task; worker queue full", "key", key)
		return false
	}
}

func (p *Pool) run(worker int) {
	defer p.wg.Done()
	for task := range p.queues[worker] {
		p.execute(worker, task)
	}
}

func (p *Pool) execute(worker int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Recovered from panic in pool task", "worker", worker, "panic", r)
		}
	}()
	task(p.ctx)
}

// Close stops accepting tasks, drains the queues and waits for the workers
// until the timeout elapses.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		p.log.Warn("Work pool drain timeout reached, some tasks may still be running")
		return errors.Join(ErrDrainTimeout, context.DeadlineExceeded)
	}
}

// ErrDrainTimeout is returned by Close when the queues did not drain in time.
var ErrDrainTimeout = errors.New("workpool: drain timeout")
