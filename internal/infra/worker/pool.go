// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Task is one unit of work submitted to the pool. Tasks report failures
// through the returned error; the pool logs them and keeps draining.
type Task func(ctx context.Context) error

// Pool is a fixed-size worker pool with a bounded queue. Submit never
// blocks: a saturated queue rejects the task so callers shed load
// instead of stalling the enqueue path.
type Pool struct {
	wg   sync.WaitGroup
	jobs chan Task
	quit chan struct{}
	n    int
	log  zerolog.Logger
}

// NewPool sizes the queue at four tasks per worker. The logger is
// optional; without one, task errors are dropped after the task itself
// had its chance to handle them.
func NewPool(workers int, loggerOpt ...*zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	lg := zerolog.Nop()
	if len(loggerOpt) > 0 && loggerOpt[0] != nil {
		lg = loggerOpt[0].With().Str("component", "worker_pool").Logger()
	}
	return &Pool{jobs: make(chan Task, workers*4), quit: make(chan struct{}), n: workers, log: lg}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case task := <-p.jobs:
					if task == nil {
						continue
					}
					if err := task(ctx); err != nil {
						p.log.Error().Err(err).Int("worker", id).Msg("task failed")
					}
				}
			}
		}(i)
	}
}

func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
}

// Submit queues a task for execution, rejecting instead of blocking
// when the queue is full.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		return errors.New("worker queue full")
	}
}
