package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskmesh/internal/domain"
	"taskmesh/internal/registry"
)

type CreateTaskInput struct {
	ID                string
	Title             string
	Description       string
	Tags              []string
	Metadata          map[string]string
	Priority          domain.Priority
	CreatedBy         string
	ParentTaskID      string
	Dependencies      []string
	EstimatedDuration time.Duration
	MaxRetries        int
}

func (in CreateTaskInput) registryInput() registry.CreateInput {
	return registry.CreateInput{
		ID:                in.ID,
		Title:             in.Title,
		Description:       in.Description,
		Tags:              in.Tags,
		Metadata:          in.Metadata,
		Priority:          in.Priority,
		CreatedBy:         in.CreatedBy,
		ParentTaskID:      in.ParentTaskID,
		Dependencies:      in.Dependencies,
		EstimatedDuration: in.EstimatedDuration,
		MaxRetries:        in.MaxRetries,
	}
}

// CreateTask stores a new task. It is QUEUED when its dependencies are met and
// BLOCKED otherwise; placement happens on the next pass.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (domain.Task, error) {
	task, err := s.registry.Create(ctx, in.registryInput())
	if err != nil {
		return domain.Task{}, err
	}
	s.logger.Info("task created", "task_id", task.ID, "status", task.Status, "priority", task.Priority, "created_by", task.CreatedBy)
	return task, nil
}

// SpawnChildTask creates a task on behalf of parentAgent and delegates it to
// one of its children. A child without spare capacity leaves the task QUEUED
// for auto-assignment, as does a task still waiting on dependencies.
func (s *Service) SpawnChildTask(ctx context.Context, parentAgent, childAgent string, in CreateTaskInput) (domain.Task, error) {
	if err := s.policy.CanSpawnChildTask(parentAgent, childAgent); err != nil {
		return domain.Task{}, fmt.Errorf("spawn child task: %w", err)
	}
	in.CreatedBy = parentAgent
	task, err := s.registry.Create(ctx, in.registryInput())
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.TaskStatusQueued {
		return task, nil
	}

	delegated, err := s.engine.Delegate(ctx, task.ID, parentAgent, childAgent)
	switch {
	case err == nil:
		return delegated, nil
	case errors.Is(err, domain.ErrAgentAtCapacity):
		s.logger.Info("child at capacity, task left queued", "task_id", task.ID, "agent_id", childAgent)
		return s.registry.Get(task.ID)
	case domain.IsIllegalTransition(err):
		// Picked up by a concurrent pass first.
		return s.registry.Get(task.ID)
	default:
		return domain.Task{}, err
	}
}

// DelegateTask assigns a task to toAgent directly. fromAgent may be empty for
// system callers.
func (s *Service) DelegateTask(ctx context.Context, taskID, fromAgent, toAgent string) (domain.Task, error) {
	return s.engine.Delegate(ctx, taskID, fromAgent, toAgent)
}

func (s *Service) GetTask(_ context.Context, taskID string) (domain.Task, error) {
	return s.registry.Get(taskID)
}

func (s *Service) ListTasks(_ context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	return s.registry.List(filter), nil
}

// CancelTask cancels a task with its incomplete subtasks and dependents.
// Agents holding any of them are told to stop.
func (s *Service) CancelTask(ctx context.Context, taskID, actor, reason string) ([]domain.Task, error) {
	if actor == "" {
		actor = actorOrchestrator
	}
	if reason == "" {
		reason = "cancelled by " + actor
	}
	cancelled, err := s.registry.Cancel(ctx, taskID, actor, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task cancelled", "task_id", taskID, "cascade", len(cancelled)-1)
	return cancelled, nil
}

func (s *Service) DeleteTask(ctx context.Context, taskID, actor string) error {
	return s.registry.Delete(ctx, taskID, actor)
}

func (s *Service) AddDependency(ctx context.Context, taskID, depID, actor string) (domain.Task, error) {
	return s.registry.AddDependency(ctx, taskID, depID, actor)
}

func (s *Service) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]domain.AuditEntry, error) {
	return s.store.ListTaskAudit(ctx, taskID, limit)
}

func (s *Service) AgentWorkload(agentID string) (domain.AgentWorkload, error) {
	if !s.agents.Known(agentID) {
		return domain.AgentWorkload{}, fmt.Errorf("agent workload %s: %w", agentID, domain.ErrAgentNotFound)
	}
	return s.tracker.AgentWorkload(s.queues.Stats(agentID)), nil
}

func (s *Service) SystemMetrics() domain.SystemMetrics {
	return s.tracker.SystemMetrics(s.registry.All())
}

func (s *Service) SetAgentCapacity(agentID string, maxConcurrent int) error {
	if err := s.agents.SetMaxConcurrent(agentID, maxConcurrent); err != nil {
		return err
	}
	s.queues.SetCapacity(agentID, maxConcurrent)
	s.Trigger()
	return nil
}

func (s *Service) ReportStarted(ctx context.Context, taskID, agentID string) (domain.Task, error) {
	return s.registry.Transition(ctx, taskID, registry.TransitionInput{
		Event:   domain.EventStart,
		AgentID: agentID,
		Actor:   agentID,
	})
}

func (s *Service) ReportCompleted(ctx context.Context, taskID, agentID string, result json.RawMessage) (domain.Task, error) {
	task, err := s.registry.Transition(ctx, taskID, registry.TransitionInput{
		Event:   domain.EventComplete,
		AgentID: agentID,
		Actor:   agentID,
		Result:  result,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if d, ok := task.ActualDuration(); ok {
		s.logger.Info("task completed", "task_id", taskID, "agent_id", agentID, "duration", d)
	}
	return task, nil
}

// ReportFailed consumes an execution failure: the task is re-queued until
// its retries run out, then FAILED with the message kept.
func (s *Service) ReportFailed(ctx context.Context, taskID, agentID, message string) (domain.Task, error) {
	failure := &domain.ExecutionFailure{TaskID: taskID, AgentID: agentID, Message: message}
	task, err := s.registry.Transition(ctx, taskID, registry.TransitionInput{
		Event:   domain.EventFail,
		AgentID: agentID,
		Actor:   agentID,
		Error:   message,
	})
	if err != nil {
		return domain.Task{}, err
	}
	outcome := "requeued"
	if task.Status == domain.TaskStatusFailed {
		outcome = "exhausted"
	}
	s.logger.Warn("task attempt failed", "task_id", taskID, "agent_id", agentID, "outcome", outcome, "error", failure)
	return task, nil
}

// ReportRejected hands a task back after the agent found it cannot run it.
// delegated_from records the agent and a retry is spent.
func (s *Service) ReportRejected(ctx context.Context, taskID, agentID, reason string) (domain.Task, error) {
	return s.registry.Transition(ctx, taskID, registry.TransitionInput{
		Event:   domain.EventReject,
		AgentID: agentID,
		Actor:   agentID,
		Error:   reason,
		Reason:  reason,
	})
}

func (s *Service) Report(ctx context.Context, r domain.ExecutionReport) error {
	var err error
	switch r.Kind {
	case domain.ReportStarted:
		_, err = s.ReportStarted(ctx, r.TaskID, r.AgentID)
	case domain.ReportCompleted:
		_, err = s.ReportCompleted(ctx, r.TaskID, r.AgentID, r.Result)
	case domain.ReportFailed:
		_, err = s.ReportFailed(ctx, r.TaskID, r.AgentID, r.Error)
	case domain.ReportRejected:
		_, err = s.ReportRejected(ctx, r.TaskID, r.AgentID, r.Error)
	default:
		return &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown report kind %q", r.Kind)}
	}
	return err
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}
