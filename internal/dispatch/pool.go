package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/metrics"
)

// Pool is an in-process Dispatcher: a buffered queue drained by a fixed set
// of workers. Suitable for single-process deployments and tests; the shared
// state it touches (task rows, failure counters) is already safe under
// concurrent workers, so swapping in a distributed queue changes nothing
// above this boundary.
type Pool struct {
	handler Handler
	logger  *zap.Logger

	queue    chan Job
	stopCh   chan struct{}
	workerWg sync.WaitGroup
	timerWg  sync.WaitGroup

	closeOnce sync.Once
}

// NewPool starts workers goroutines draining the job queue.
func NewPool(workers, queueSize int, handler Handler, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Pool{
		handler: handler,
		logger:  logger,
		queue:   make(chan Job, queueSize),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.workerWg.Add(1)
		go p.worker(i)
	}
	return p
}

// Dispatch enqueues a job. A positive delay defers the enqueue without
// blocking the caller.
func (p *Pool) Dispatch(ctx context.Context, job Job, delay time.Duration) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("dispatch pool is shut down")
	default:
	}

	if delay > 0 {
		p.timerWg.Add(1)
		go func() {
			defer p.timerWg.Done()
			select {
			case <-time.After(delay):
				p.enqueue(job)
			case <-p.stopCh:
			}
		}()
		return nil
	}
	return p.enqueue(job)
}

func (p *Pool) enqueue(job Job) error {
	select {
	case p.queue <- job:
		return nil
	case <-p.stopCh:
		return fmt.Errorf("dispatch pool is shut down")
	}
}

func (p *Pool) worker(id int) {
	defer p.workerWg.Done()
	p.logger.Debug("dispatch worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-p.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case job := <-p.queue:
					p.run(job)
				default:
					p.logger.Debug("dispatch worker stopped", zap.Int("worker_id", id))
					return
				}
			}
		case job := <-p.queue:
			p.run(job)
		}
	}
}

func (p *Pool) run(job Job) {
	metrics.InFlightJobs.Inc()
	defer metrics.InFlightJobs.Dec()

	if err := p.handler(context.Background(), job); err != nil {
		p.logger.Error("job failed",
			zap.String("kind", string(job.Kind)),
			zap.Error(err),
		)
	}
}

// Close stops accepting work, cancels pending delayed jobs, and waits for
// in-flight jobs to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
	})
	p.timerWg.Wait()
	p.workerWg.Wait()

	// A delayed job whose timer fires during shutdown can still land in the
	// queue after the workers' drain pass. Sweep once more so nothing is
	// silently stranded.
	for {
		select {
		case job := <-p.queue:
			p.run(job)
		default:
			return
		}
	}
}
