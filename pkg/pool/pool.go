// Package pool provides bounded concurrent execution of packaging tasks with
// per-worker recycling. Submission never blocks the ingress: queued tasks sit
// in an in-memory list drained by a fixed number of workers.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ckanops/packager/pkg/logging"
	"github.com/ckanops/packager/pkg/task"
)

// Runner executes one task. Task failures are handled inside the runner; the
// pool only counts them.
type Runner func(task.Task) error

// Pool runs tasks on a fixed set of workers. A worker retires after
// processing a configured number of tasks and is replaced by a fresh one, so
// per-task state can never accumulate beyond that horizon.
type Pool struct {
	name         string
	run          Runner
	recycleAfter int
	log          logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []task.Task
	inFlight int
	closed   bool

	processed atomic.Int64
	failed    atomic.Int64
	wg        sync.WaitGroup
}

// New starts a pool named for its routing class ("fast", "slow") with the
// given number of workers. recycleAfter is the number of tasks a worker
// processes before being replaced; 0 disables recycling.
func New(name string, workers, recycleAfter int, run Runner, log logging.Logger) *Pool {
	p := &Pool{
		name:         name,
		run:          run,
		recycleAfter: recycleAfter,
		log:          log.With(logging.F("pool", name)),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Name returns the pool's routing-class name.
func (p *Pool) Name() string {
	return p.name
}

// Submit queues a task for execution. It never blocks. Submitting to a
// terminated pool drops the task and returns false.
func (p *Pool) Submit(t task.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return true
}

// Length returns the approximate number of queued plus in-flight tasks.
func (p *Pool) Length() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.inFlight
}

// Processed returns the number of tasks completed since the pool started,
// failures included.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

// Failed returns the number of tasks that completed with an error.
func (p *Pool) Failed() int64 {
	return p.failed.Load()
}

// Terminate closes submission and waits up to timeout for queued and
// in-flight tasks to drain. Workers still running a task after the deadline
// are abandoned; they exit when their task finishes.
func (p *Pool) Terminate(timeout time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		p.log.Warn("pool termination timed out", logging.F("timeout", timeout))
		return false
	}
}

// worker drains the queue until the pool is terminated or the recycling
// horizon is reached, in which case a replacement worker is started first.
func (p *Pool) worker() {
	defer p.wg.Done()
	count := 0
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		if err := p.run(t); err != nil {
			p.failed.Add(1)
		}
		p.processed.Add(1)

		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()

		count++
		if p.recycleAfter > 0 && count >= p.recycleAfter {
			p.recycle()
			return
		}
	}
}

// next blocks until a task is available or the pool drains after
// termination.
func (p *Pool) next() (task.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.closed {
			return nil, false
		}
		p.cond.Wait()
	}
	t := p.queue[0]
	p.queue = p.queue[1:]
	p.inFlight++
	return t, true
}

// recycle replaces the calling worker with a fresh one unless the pool is
// shutting down.
func (p *Pool) recycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.log.Debug("recycling worker")
	p.wg.Add(1)
	go p.worker()
}
