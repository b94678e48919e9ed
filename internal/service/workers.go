package service

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

// Advancer advances a single execution by one turn
type Advancer interface {
	Advance(ctx context.Context, executionID string) error
}

// WorkerPool fans execution tokens out to a fixed set of workers. Tokens
// carry only the execution id; all state lives in the store, so a dropped
// or duplicated token costs at most one redundant claim attempt.
type WorkerPool struct {
	executor Advancer
	logger   logger.Logger

	workerCount int
	queue       chan string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorkerPool creates a new WorkerPool. The executor may be nil at
// construction and attached with SetExecutor before Start; the pool sits
// between the dispatcher and the executor in the dependency graph.
func NewWorkerPool(executor Advancer, log logger.Logger, workerCount, queueSize int) *WorkerPool {
	return &WorkerPool{
		executor:    executor,
		logger:      log,
		workerCount: workerCount,
		queue:       make(chan string, queueSize),
	}
}

// SetExecutor attaches the executor. Must be called before Start.
func (p *WorkerPool) SetExecutor(executor Advancer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executor = executor
}

// Submit enqueues an execution for advancement. It never blocks: when the
// queue is full the token is dropped with a warning and the delay
// scheduler's stalled-row sweep resubmits it once the stall timeout passes.
func (p *WorkerPool) Submit(executionID string) {
	select {
	case p.queue <- executionID:
	default:
		p.logger.WithField("execution_id", executionID).Warn("Execution queue full, token dropped")
	}
}

// Start launches the workers. It is a no-op if the pool is already running.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	g, gctx := errgroup.WithContext(workerCtx)
	for i := 0; i < p.workerCount; i++ {
		workerID := i
		g.Go(func() error {
			p.work(gctx, workerID)
			return nil
		})
	}

	go func() {
		defer close(p.done)
		_ = g.Wait()
	}()

	p.logger.WithField("workers", p.workerCount).Info("Worker pool started")
}

// Stop cancels the workers and waits for them to drain
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) work(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case executionID := <-p.queue:
			if err := p.executor.Advance(ctx, executionID); err != nil {
				if errors.Is(err, domain.ErrExecutionConflict) {
					// Lost the claim race; resubmit so the surviving
					// token still gets a turn
					p.logger.WithField("execution_id", executionID).Debug("Claim conflict, requeueing")
					p.Submit(executionID)
					continue
				}
				p.logger.WithFields(map[string]interface{}{
					"worker":       workerID,
					"execution_id": executionID,
					"error":        err.Error(),
				}).Error("Failed to advance execution")
			}
		}
	}
}
