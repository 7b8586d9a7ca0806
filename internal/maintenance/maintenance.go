// Package maintenance schedules background housekeeping: vector store
// compaction and pruning of stale suspended turns.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/amity/internal/checkpoint"
	"github.com/haasonsaas/amity/internal/observability"
)

// Compactor reclaims storage space in the vector store.
type Compactor interface {
	Compact(ctx context.Context) error
}

// StaleApprovalAge is how long a turn may sit awaiting approval before
// pruning rejects it implicitly by failing the turn.
const StaleApprovalAge = 24 * time.Hour

// Scheduler runs periodic maintenance jobs.
type Scheduler struct {
	cron      *cron.Cron
	compactor Compactor
	store     checkpoint.Store
	logger    *observability.Logger
}

// NewScheduler creates a maintenance scheduler. compactSchedule is a
// standard five-field cron expression.
func NewScheduler(compactor Compactor, store checkpoint.Store, compactSchedule string, logger *observability.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		compactor: compactor,
		store:     store,
		logger:    logger,
	}
	if compactSchedule != "" {
		if _, err := s.cron.AddFunc(compactSchedule, s.runCompaction); err != nil {
			return nil, fmt.Errorf("invalid compact schedule %q: %w", compactSchedule, err)
		}
	}
	if _, err := s.cron.AddFunc("@hourly", s.pruneStaleApprovals); err != nil {
		return nil, fmt.Errorf("schedule approval pruning: %w", err)
	}
	return s, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runCompaction() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.compactor.Compact(ctx); err != nil {
		s.logger.Warn(ctx, "compaction failed", "error", err)
		return
	}
	s.logger.Info(ctx, "vector store compacted")
}

// pruneStaleApprovals fails turns that have waited on approval longer
// than StaleApprovalAge so sessions do not stay wedged forever.
func (s *Scheduler) pruneStaleApprovals() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ids, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn(ctx, "list checkpoints failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-StaleApprovalAge)
	for _, id := range ids {
		cp, err := s.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if cp.Status != checkpoint.StatusAwaitingApproval || cp.UpdatedAt.After(cutoff) {
			continue
		}
		cp.Status = checkpoint.StatusFailed
		cp.Next = ""
		cp.Pending = nil
		cp.UpdatedAt = time.Now().UTC()
		if err := s.store.Put(ctx, cp); err != nil {
			s.logger.Warn(ctx, "prune stale approval failed", "session_id", id, "error", err)
			continue
		}
		s.logger.Info(ctx, "stale approval pruned", "session_id", id)
	}
}
