package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultConsolidationInterval = 10 * time.Minute
	defaultPruneInterval         = time.Hour
	passTimeout                  = 5 * time.Minute
)

// Scheduler runs consolidation and pruning in the background: on a fixed
// schedule, and whenever the coordinator reports a layer crossing its
// consolidation threshold. Scheduled consolidation is followed by a
// reflection pass.
type Scheduler struct {
	coord  *Coordinator
	logger *zap.Logger

	consolidateInterval time.Duration
	pruneInterval       time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewScheduler(coord *Coordinator, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		coord:               coord,
		logger:              logger,
		consolidateInterval: defaultConsolidationInterval,
		pruneInterval:       defaultPruneInterval,
		stopCh:              make(chan struct{}),
	}
}

func (s *Scheduler) SetIntervals(consolidate, prune time.Duration) {
	if consolidate > 0 {
		s.consolidateInterval = consolidate
	}
	if prune > 0 {
		s.pruneInterval = prune
	}
}

// Start runs the scheduler loop in a background goroutine.
func (s *Scheduler) Start() {
	base, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		consolidateTicker := time.NewTicker(s.consolidateInterval)
		defer consolidateTicker.Stop()
		pruneTicker := time.NewTicker(s.pruneInterval)
		defer pruneTicker.Stop()

		s.logger.Info("scheduler started",
			zap.Duration("consolidate_interval", s.consolidateInterval),
			zap.Duration("prune_interval", s.pruneInterval),
		)

		for {
			select {
			case <-consolidateTicker.C:
				s.consolidate(base, domain.TriggerScheduled)
				s.reflect(base)
			case <-pruneTicker.C:
				s.prune(base, domain.PruneRetentionWindow)
				s.prune(base, domain.PruneCapacityBound)
			case reason := <-s.coord.Triggers():
				s.consolidate(base, reason)
				s.prune(base, domain.PruneCapacityBound)
			case <-s.stopCh:
				s.logger.Info("scheduler stopped")
				return
			}
		}
	}()
}

// Stop cancels any pass in flight and waits for the loop to exit. A
// cancelled pass commits nothing. Calling Stop again is a no-op.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) consolidate(base context.Context, reason domain.TriggerReason) {
	ctx, cancel := context.WithTimeout(base, passTimeout)
	defer cancel()

	report, err := s.coord.Consolidate(ctx, reason)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("scheduled consolidation cancelled", zap.String("trigger", string(reason)))
	case err != nil:
		s.logger.Error("scheduled consolidation failed", zap.String("trigger", string(reason)), zap.Error(err))
	case report.Changes() > 0:
		s.logger.Info("scheduled consolidation applied changes",
			zap.String("pass_id", report.ID),
			zap.Int("changes", report.Changes()),
		)
	}
}

func (s *Scheduler) prune(base context.Context, strategy domain.PruneStrategy) {
	ctx, cancel := context.WithTimeout(base, passTimeout)
	defer cancel()

	report, err := s.coord.Prune(ctx, strategy)
	if err != nil {
		s.logger.Error("scheduled pruning failed", zap.String("strategy", string(strategy)), zap.Error(err))
		return
	}
	if len(report.Evicted) > 0 {
		s.logger.Info("scheduled pruning evicted memories",
			zap.String("pass_id", report.ID),
			zap.String("strategy", string(strategy)),
			zap.Int("count", len(report.Evicted)),
		)
	}
}

func (s *Scheduler) reflect(base context.Context) {
	ctx, cancel := context.WithTimeout(base, passTimeout)
	defer cancel()

	report, err := s.coord.Reflect(ctx)
	if err != nil {
		s.logger.Error("scheduled reflection failed", zap.Error(err))
		return
	}
	if report.Changes() > 0 {
		s.logger.Info("scheduled reflection recorded insights",
			zap.String("pass_id", report.ID),
			zap.Int("themes", len(report.Themes)),
			zap.Int("contradictions", len(report.Contradictions)),
		)
	}
}
