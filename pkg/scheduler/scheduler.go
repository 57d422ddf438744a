// Package scheduler – scheduler.go polls for due schedules and runs them
// unattended.
//
// The claim step (enabled flipped to 0 before any async work) doubles as the
// re-entrancy lock: a second poll during a long run finds nothing due. A
// one-shot schedule simply never gets re-enabled; a recurring one is
// re-enabled with a fresh next_run_at only when the run and the cron
// recompute both succeed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raffenmb/buddy-sub000/pkg/assistant"
)

// Runner executes one schedule's prompt. The production implementation wraps
// the orchestrator with an unattended run request.
type Runner interface {
	RunScheduled(ctx context.Context, sch *Schedule) (*assistant.RunResult, error)
}

// Notifier is a best-effort wake signal for offline users. May be nil.
type Notifier interface {
	Notify(userID string)
}

// Scheduler owns the poll loop.
type Scheduler struct {
	storage  *Storage
	runner   Runner
	delivery assistant.Delivery
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger
}

// New creates a scheduler. notifier may be nil.
func New(storage *Storage, runner Runner, delivery assistant.Delivery, notifier Notifier, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		storage:  storage,
		runner:   runner,
		delivery: delivery,
		notifier: notifier,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start runs the poll loop until ctx is done. The first poll happens
// immediately so overdue schedules fire right after startup.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "poll_interval", s.interval)
	s.PollOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce claims and fires every due schedule. Each schedule runs in its
// own goroutine; one failing cannot touch the others.
func (s *Scheduler) PollOnce(ctx context.Context) {
	due, err := s.storage.Due(time.Now())
	if err != nil {
		s.logger.Error("poll failed", "error", err)
		return
	}

	for _, sch := range due {
		claimed, err := s.storage.Claim(sch.ID)
		if err != nil {
			s.logger.Error("claim failed", "schedule", sch.ID, "error", err)
			continue
		}
		if !claimed {
			continue // another poll got there first
		}
		go s.fire(ctx, sch)
	}
}

func (s *Scheduler) fire(ctx context.Context, sch *Schedule) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("schedule panicked", "schedule", sch.ID, "panic", r)
			if err := s.storage.FinishRun(sch.ID, time.Now(), fmt.Sprintf("panic: %v", r), nil, false); err != nil {
				s.logger.Error("cannot record panic", "schedule", sch.ID, "error", err)
			}
		}
	}()

	logger := s.logger.With("schedule", sch.ID, "name", sch.Name)
	logger.Info("running schedule")

	ranAt := time.Now()
	result, runErr := s.runner.RunScheduled(ctx, sch)

	if result != nil && len(result.Events) > 0 {
		s.deliver(sch, result.Events, logger)
	}

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
		logger.Error("schedule run failed", "error", runErr)
	}

	var nextRun *time.Time
	enable := false
	if sch.Type == TypeRecurring && runErr == nil {
		next, err := nextCronRun(sch.CronExpr, ranAt)
		if err != nil {
			errText = fmt.Sprintf("cannot compute next run: %v", err)
			logger.Error("schedule left disabled", "error", err)
		} else {
			nextRun = &next
			enable = true
		}
	}

	if err := s.storage.FinishRun(sch.ID, ranAt, errText, nextRun, enable); err != nil {
		logger.Error("cannot record run outcome", "error", err)
	}
	if enable {
		logger.Info("schedule rescheduled", "next_run_at", *nextRun)
	}
}

// deliver pushes the run's events live, or queues them when the user is
// offline.
func (s *Scheduler) deliver(sch *Schedule, events []assistant.Event, logger *slog.Logger) {
	if s.delivery != nil && s.delivery.IsConnected(sch.UserID) {
		err := s.delivery.Deliver(sch.UserID, events)
		if err == nil {
			return
		}
		logger.Warn("live delivery failed, queueing", "error", err)
	}

	batch := &PendingBatch{
		UserID:  sch.UserID,
		AgentID: sch.AgentID,
		Source:  "schedule:" + sch.ID,
		Events:  events,
	}
	if err := s.storage.SavePendingBatch(batch); err != nil {
		logger.Error("cannot queue pending batch", "error", err)
		return
	}
	if s.notifier != nil {
		s.notifier.Notify(sch.UserID)
	}
}

// nextCronRun computes the next fire time strictly after from.
func nextCronRun(expr string, from time.Time) (time.Time, error) {
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return spec.Next(from), nil
}

// AgentRunner adapts the orchestrator to the Runner interface. Scheduled
// runs are unattended: confirmations auto-deny and the sub-agent turn cap
// applies.
type AgentRunner struct {
	Orchestrator *assistant.Orchestrator
	ResolveAgent func(agentID string) (*assistant.Agent, error)
}

func (r *AgentRunner) RunScheduled(ctx context.Context, sch *Schedule) (*assistant.RunResult, error) {
	agent, err := r.ResolveAgent(sch.AgentID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", sch.AgentID, err)
	}
	return r.Orchestrator.Run(ctx, assistant.RunRequest{
		UserID:     sch.UserID,
		Agent:      agent,
		Text:       fmt.Sprintf("[Scheduled task %q] %s", sch.Name, sch.Prompt),
		Unattended: true,
	})
}

// NewOnce builds a disabled-after-first-fire schedule.
func NewOnce(userID, agentID, name, prompt string, runAt time.Time) *Schedule {
	return &Schedule{
		UserID:    userID,
		AgentID:   agentID,
		Name:      name,
		Prompt:    prompt,
		Type:      TypeOnce,
		NextRunAt: runAt,
		Enabled:   true,
	}
}

// NewRecurring builds a cron-driven schedule. The expression is validated
// and the first fire time computed now, not at poll time.
func NewRecurring(userID, agentID, name, prompt, cronExpr string) (*Schedule, error) {
	next, err := nextCronRun(cronExpr, time.Now())
	if err != nil {
		return nil, err
	}
	return &Schedule{
		UserID:    userID,
		AgentID:   agentID,
		Name:      name,
		Prompt:    prompt,
		Type:      TypeRecurring,
		CronExpr:  cronExpr,
		NextRunAt: next,
		Enabled:   true,
	}, nil
}
