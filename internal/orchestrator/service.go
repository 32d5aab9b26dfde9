// Package orchestrator wires the task registry, agent queues, and distribution
// engine into one service, and runs the loops that keep work moving: the
// dispatch loop, the watchdog, and periodic snapshots.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"taskmesh/internal/agentgraph"
	"taskmesh/internal/depgraph"
	"taskmesh/internal/domain"
	"taskmesh/internal/metrics"
	"taskmesh/internal/policy"
	"taskmesh/internal/queue"
	"taskmesh/internal/registry"
	"taskmesh/internal/scheduler"
)

const (
	actorOrchestrator = "orchestrator"
	actorWatchdog     = "watchdog"
)

type Store interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
	ListTaskAudit(ctx context.Context, taskID string, limit int) ([]domain.AuditEntry, error)
	SaveSnapshot(ctx context.Context, snap domain.Snapshot) error
	LoadSnapshot(ctx context.Context) (domain.Snapshot, bool, error)
}

type Config struct {
	DispatchInterval  time.Duration
	WatchdogInterval  time.Duration
	SnapshotSchedule  string
	DefaultMaxRetries int
	HistorySize       int
	MaxDelegationHops int
	Weights           scheduler.Weights
	Matcher           agentgraph.Matcher
	Now               func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 500 * time.Millisecond
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 2 * time.Second
	}
	if c.SnapshotSchedule == "" {
		c.SnapshotSchedule = "@every 30s"
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	if c.MaxDelegationHops <= 0 {
		c.MaxDelegationHops = 3
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Service struct {
	store    Store
	agents   *agentgraph.Directory
	policy   *policy.Engine
	queues   *queue.Manager
	registry *registry.Registry
	engine   *scheduler.Engine
	tracker  *metrics.Tracker
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger

	trigger chan struct{}
	group   *errgroup.Group
}

func New(store Store, agents *agentgraph.Directory, executor scheduler.Executor, meter metric.Meter, cfg Config, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if agents == nil {
		return nil, errors.New("orchestrator: agent directory is required")
	}
	if executor == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := cron.ParseStandard(cfg.SnapshotSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot schedule %q: %w", cfg.SnapshotSchedule, err)
	}
	tracker, err := metrics.NewTracker(meter)
	if err != nil {
		return nil, err
	}

	queues := queue.NewManager(agents.MaxConcurrent, cfg.HistorySize)
	reg := registry.New(depgraph.New(), queues, store, registry.Options{
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		Now:               cfg.Now,
		Logger:            logger.With("component", "registry"),
	})
	pol := policy.New(agents, cfg.MaxDelegationHops)
	engine := scheduler.New(reg, queues, agents, pol, executor, scheduler.Options{
		Weights:  cfg.Weights,
		Matcher:  cfg.Matcher,
		Recorder: tracker,
		Logger:   logger.With("component", "scheduler"),
	})

	s := &Service{
		store:    store,
		agents:   agents,
		policy:   pol,
		queues:   queues,
		registry: reg,
		engine:   engine,
		tracker:  tracker,
		cfg:      cfg,
		schedule: schedule,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
	reg.Subscribe(tracker.Observe)
	reg.Subscribe(s.onChange)
	return s, nil
}

// onChange turns lifecycle changes into follow-up work: cancel notices to
// agents that lost a task, and a dispatch signal whenever a task becomes
// schedulable or capacity frees up.
func (s *Service) onChange(ctx context.Context, c registry.Change) {
	switch c.Event {
	case domain.EventCancel:
		if c.PrevAgent != "" {
			s.engine.NotifyCancel(ctx, c.PrevAgent, c.Task.ID, "task cancelled")
		}
	case domain.EventTimeout:
		s.engine.NotifyCancel(ctx, c.PrevAgent, c.Task.ID, "estimated duration exceeded")
	case domain.EventUnassign:
		// Re-delegation and failed delivery handle their own follow-up. The
		// ticker picks the task up again.
		return
	}
	if c.Task.Status == domain.TaskStatusQueued || c.PrevAgent != "" {
		s.Trigger()
	}
}

// Trigger asks the dispatch loop for a pass. Signals coalesce.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop, the watchdog, and the snapshot schedule.
// They stop when ctx is cancelled; Wait returns once they have.
func (s *Service) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error {
		s.dispatchLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.watchdogLoop(ctx)
		return nil
	})
	g.Go(func() error {
		return s.snapshotLoop(ctx)
	})
	s.Trigger()
}

func (s *Service) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

func (s *Service) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		if _, err := s.RunPass(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("dispatch pass failed", "error", err)
		}
	}
}

// RunPass delivers anything waiting in agent queues, then makes one
// scheduling pass.
func (s *Service) RunPass(ctx context.Context) (scheduler.PassResult, error) {
	s.engine.DrainAll(ctx)
	res, err := s.engine.RunPass(ctx)
	if err != nil {
		return res, err
	}
	if len(res.Unassignable) > 0 {
		s.logger.Debug("tasks without eligible agent", "count", len(res.Unassignable))
	}
	return res, nil
}

func (s *Service) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.watchdogOnce(ctx)
		}
	}
}

// watchdogOnce times out IN_PROGRESS attempts that ran past their estimated
// duration. Tasks without an estimate are never timed out.
func (s *Service) watchdogOnce(ctx context.Context) int {
	now := s.cfg.Now()
	timedOut := 0
	running := s.registry.List(domain.TaskFilter{Statuses: []domain.TaskStatus{domain.TaskStatusInProgress}})
	for _, task := range running {
		if task.EstimatedDuration <= 0 || task.AttemptStartedAt == nil {
			continue
		}
		elapsed := now.Sub(*task.AttemptStartedAt)
		if elapsed <= task.EstimatedDuration {
			continue
		}
		_, err := s.registry.Transition(ctx, task.ID, registry.TransitionInput{
			Event:   domain.EventTimeout,
			AgentID: task.AssignedTo,
			Actor:   actorWatchdog,
			Error:   fmt.Sprintf("attempt exceeded estimated duration %s (ran %s)", task.EstimatedDuration, elapsed.Round(time.Second)),
		})
		if err != nil {
			// The agent reported in between; nothing to do.
			s.logger.Debug("watchdog skipped task", "task_id", task.ID, "error", err)
			continue
		}
		timedOut++
		s.logger.Warn("task attempt timed out", "task_id", task.ID, "agent_id", task.AssignedTo, "elapsed", elapsed)
	}
	return timedOut
}

func (s *Service) snapshotLoop(ctx context.Context) error {
	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if err := s.Snapshot(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduled snapshot failed", "error", err)
		}
	}))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	// Final snapshot on shutdown; the run context is already cancelled.
	final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Snapshot(final); err != nil {
		s.logger.Warn("shutdown snapshot failed", "error", err)
	}
	return nil
}

func (s *Service) Snapshot(ctx context.Context) error {
	tasks := s.registry.All()
	snap := domain.Snapshot{
		Tasks:   tasks,
		Queues:  heldMemberships(tasks, s.queues.Snapshot()),
		TakenAt: s.cfg.Now(),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved", "tasks", len(snap.Tasks), "queue_entries", len(snap.Queues))
	return nil
}

// heldMemberships keeps queue entries whose task appears in tasks as held by
// the same agent. The two reads are not atomic; anything that moved between
// them is settled by Restore.
func heldMemberships(tasks []domain.Task, members []domain.QueueMembership) []domain.QueueMembership {
	holder := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if t.Status.HoldsAgent() {
			holder[t.ID] = t.AssignedTo
		}
	}
	out := members[:0]
	for _, m := range members {
		if agentID, ok := holder[m.TaskID]; ok && agentID == m.AgentID {
			out = append(out, m)
		}
	}
	return out
}

// Restore reloads the last snapshot. Call it before Start.
//
// IN_PROGRESS tasks go back into their agent's active set. ASSIGNED tasks go
// back to pending so they are delivered again. A held task whose queue entry
// was lost returns to QUEUED without spending a retry.
func (s *Service) Restore(ctx context.Context) (int, error) {
	snap, ok, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return 0, nil
	}

	s.registry.Restore(snap.Tasks)
	s.queues.Reset()
	byID := make(map[string]domain.Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		byID[t.ID] = t
	}

	for _, m := range snap.Queues {
		t, ok := byID[m.TaskID]
		if !ok || !t.Status.HoldsAgent() || t.AssignedTo != m.AgentID {
			continue
		}
		entry := queue.Entry{TaskID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt}
		if t.Status == domain.TaskStatusInProgress {
			err = s.queues.RestoreActive(m.AgentID, entry)
		} else {
			err = s.queues.Enqueue(m.AgentID, entry)
		}
		if err != nil {
			s.logger.Warn("restore queue entry", "task_id", t.ID, "agent_id", m.AgentID, "error", err)
		}
	}

	for _, t := range snap.Tasks {
		if t.Status.IsTerminal() {
			continue
		}
		action := "restored"
		reason := "task restored from snapshot"
		if t.Status.HoldsAgent() {
			if _, held := s.queues.Owner(t.ID); !held {
				if _, err := s.registry.Transition(ctx, t.ID, registry.TransitionInput{
					Event:   domain.EventUnassign,
					AgentID: t.AssignedTo,
					Actor:   actorOrchestrator,
					Reason:  "queue entry lost across restart",
				}); err != nil {
					s.logger.Warn("requeue orphaned task", "task_id", t.ID, "error", err)
				}
				reason = "held task without queue entry returned to queue"
			}
		} else {
			s.registry.Resettle(ctx, t.ID)
		}
		if err := s.store.AppendAudit(ctx, domain.AuditEntry{
			TaskID:    t.ID,
			Actor:     actorOrchestrator,
			Action:    action,
			Reason:    reason,
			Payload:   mustJSON(map[string]any{"status": t.Status, "agent_id": t.AssignedTo}),
			CreatedAt: s.cfg.Now(),
		}); err != nil {
			s.logger.Warn("audit restore", "task_id", t.ID, "error", err)
		}
	}
	s.logger.Info("snapshot restored", "tasks", len(snap.Tasks), "taken_at", snap.TakenAt)
	return len(snap.Tasks), nil
}
