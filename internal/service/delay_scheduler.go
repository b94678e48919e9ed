package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

// DelayScheduler polls for executions whose wake time has passed and hands
// them to the worker pool. It also sweeps stalled executions, rows whose
// queue token was dropped on overflow or whose worker died mid-step, back
// into the queue once they sit untouched longer than the stall timeout. It
// never advances executions itself; the step executor's compare-and-swap
// claim makes duplicate submissions harmless.
type DelayScheduler struct {
	execRepo domain.ExecutionRepository
	sink     ExecutionSink
	logger   logger.Logger

	interval     time.Duration
	batchSize    int
	stallTimeout time.Duration

	mu          sync.Mutex
	running     bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewDelayScheduler creates a new DelayScheduler
func NewDelayScheduler(
	execRepo domain.ExecutionRepository,
	sink ExecutionSink,
	log logger.Logger,
	interval time.Duration,
	batchSize int,
	stallTimeout time.Duration,
) *DelayScheduler {
	return &DelayScheduler{
		execRepo:     execRepo,
		sink:         sink,
		logger:       log,
		interval:     interval,
		batchSize:    batchSize,
		stallTimeout: stallTimeout,
	}
}

// Start launches the polling loop. It is a no-op if the scheduler is
// already running.
func (s *DelayScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.stoppedChan = make(chan struct{})

	go s.run(ctx)

	s.logger.WithField("interval", s.interval.String()).Info("Delay scheduler started")
}

// Stop signals the polling loop to exit and waits for it to finish
func (s *DelayScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopChan := s.stopChan
	stoppedChan := s.stoppedChan
	s.mu.Unlock()

	close(stopChan)
	<-stoppedChan

	s.logger.Info("Delay scheduler stopped")
}

func (s *DelayScheduler) run(ctx context.Context) {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First pass immediately so restarts drain overdue work without
	// waiting a full interval
	s.processBatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.processBatch(ctx)
		}
	}
}

// processBatch submits every due execution to the sink, then requeues
// executions that stalled in pending or running
func (s *DelayScheduler) processBatch(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.execRepo.ListDueExecutions(ctx, now, s.batchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to list due executions")
		return
	}
	if len(due) > 0 {
		s.logger.WithField("count", len(due)).Debug("Waking due executions")
		for _, execution := range due {
			s.sink.Submit(execution.ID)
		}
	}

	s.sweepStalled(ctx, now)
}

// sweepStalled resubmits executions untouched past the stall timeout. A
// running row is first reset to pending via compare-and-swap so the step
// executor will claim it again; if a live worker got there first the swap
// conflicts and the row is left alone. Each swap bumps updated_at, so a
// requeued row is not swept again until a full stall timeout elapses.
func (s *DelayScheduler) sweepStalled(ctx context.Context, now time.Time) {
	stalled, err := s.execRepo.ListStalledExecutions(ctx, now.Add(-s.stallTimeout), s.batchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to list stalled executions")
		return
	}
	if len(stalled) == 0 {
		return
	}

	s.logger.WithField("count", len(stalled)).Warn("Requeueing stalled executions")
	for _, execution := range stalled {
		if execution.Status == domain.ExecutionStatusRunning {
			execution.Status = domain.ExecutionStatusPending
			if err := s.execRepo.CompareAndSwapExecution(ctx, execution, nil); err != nil {
				if !errors.Is(err, domain.ErrExecutionConflict) {
					s.logger.WithFields(map[string]interface{}{
						"execution_id": execution.ID,
						"error":        err.Error(),
					}).Error("Failed to requeue stalled execution")
				}
				continue
			}
		}
		s.sink.Submit(execution.ID)
	}
}
