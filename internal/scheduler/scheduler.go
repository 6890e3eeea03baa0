package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/spellcast/internal/store"
)

// CastRunner is the interface the scheduler uses to start casts.
// Satisfied by the orchestrator (avoids import cycle).
type CastRunner interface {
	ExecuteSpell(ctx context.Context, spellID string, initiatorID string, runtimeParams map[string]map[string]any) error
}

// Scheduler polls the store for due scheduled casts and runs them.
type Scheduler struct {
	store  store.Store
	runner CastRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner CastRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled schedules and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListScheduledCasts(ctx, store.ScheduledCastFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled casts", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sc := range schedules {
		if sc.NextRunAt == nil || !sc.NextRunAt.After(now) {
			if !s.tryAcquire(sc.ID) {
				continue // already running (dedup)
			}
			if err := s.runScheduled(ctx, sc, now); err != nil {
				s.logger.Error("failed to run scheduled cast",
					slog.String("schedule_id", sc.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sc.ID)
		}
	}
}

// runScheduled starts a cast for the schedule and updates its timestamps.
func (s *Scheduler) runScheduled(ctx context.Context, sc *store.ScheduledCast, now time.Time) error {
	s.logger.Info("running scheduled cast",
		slog.String("schedule_id", sc.ID),
		slog.String("spell_id", sc.SpellID),
	)

	var params map[string]map[string]any
	if len(sc.RuntimeParams) > 0 {
		if err := json.Unmarshal(sc.RuntimeParams, &params); err != nil {
			return s.updateStatus(ctx, sc, now, "error")
		}
	}

	err := s.runner.ExecuteSpell(ctx, sc.SpellID, sc.InitiatorID, params)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled cast execution failed",
			slog.String("schedule_id", sc.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateStatus(ctx, sc, now, status)
}

func (s *Scheduler) updateStatus(ctx context.Context, sc *store.ScheduledCast, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sc.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sc.ID, err)
	}

	return s.store.UpdateScheduledCast(ctx, sc.ID, store.ScheduledCastUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed checks for schedules that missed their next_run_at and runs them once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListScheduledCasts(ctx, store.ScheduledCastFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sc := range schedules {
		if sc.NextRunAt != nil && sc.NextRunAt.Before(now) {
			if !s.tryAcquire(sc.ID) {
				continue
			}
			if err := s.runScheduled(ctx, sc, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", sc.ID),
					slog.String("error", err.Error()),
				)
				s.release(sc.ID)
				continue
			}
			s.release(sc.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
