/**
 * @description
 * Cron scheduler for the auto-refill sweep. Interactive sessions evaluate the
 * refill trigger on every charge; the sweep catches accounts whose balance
 * dropped through non-interactive paths and accounts whose earlier checkout
 * was abandoned past the guard TTL.
 *
 * @dependencies
 * - context, log/slog: Standard Go libraries.
 * - github.com/robfig/cron/v3: Cron job scheduling.
 */

package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// RefillSweeper walks refill-enabled accounts under their threshold and fires
// the refill trigger for each.
type RefillSweeper struct {
	service   *Service
	batchSize int
	logger    *slog.Logger
}

func NewRefillSweeper(service *Service, batchSize int, logger *slog.Logger) *RefillSweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RefillSweeper{service: service, batchSize: batchSize, logger: logger}
}

// Sweep runs one pass. Per-account failures are logged and do not stop the
// pass; the next run retries them.
func (s *RefillSweeper) Sweep() {
	ctx := context.Background()

	candidates, err := s.service.repo.FindAutoRefillCandidates(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("auto-refill sweep query failed", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	triggered := 0
	for _, account := range candidates {
		if err := s.service.MaybeAutoRefill(ctx, account.ID); err != nil {
			s.logger.Error("auto-refill trigger failed", "account_id", account.ID, "error", err)
			continue
		}
		triggered++
	}
	s.logger.Info("auto-refill sweep finished", "candidates", len(candidates), "triggered", triggered)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *RefillSweeper
	logger  *slog.Logger
}

// NewScheduler creates a new scheduler instance with panic recovery around
// jobs.
func NewScheduler(sweeper *RefillSweeper, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	return &Scheduler{cron: c, sweeper: sweeper, logger: logger}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start(schedule string) {
	if _, err := s.cron.AddFunc(schedule, s.sweeper.Sweep); err != nil {
		s.logger.Error("failed to schedule auto-refill sweep", "schedule", schedule, "error", err)
		return
	}
	s.logger.Info("scheduled auto-refill sweep", "schedule", schedule)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
