package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs submitted jobs on a fixed number of goroutines.
type Pool struct {
	numWorkers int
	jobs       chan func()
	logger     *slog.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewPool creates a pool with the given number of workers.
func NewPool(numWorkers int, logger *slog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan func()),
		logger:     logger,
	}
}

// Start launches the workers. They run until Stop.
func (p *Pool) Start() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Debug("worker pool started", "num_workers", p.numWorkers)
}

// Submit hands job to an idle worker, waiting for one to free up. It returns
// false if ctx ends first.
func (p *Pool) Submit(ctx context.Context, job func()) bool {
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.numWorkers
}

// Stop waits for running jobs and stops the workers. Submit must not be
// called after Stop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		p.logger.Debug("worker pool stopped")
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}
