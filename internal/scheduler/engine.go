// Package scheduler matches queued tasks to agents. A pass scores every
// eligible agent for each ready task, commits the best one through the
// registry, and hands newly active entries to the execution layer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"taskmesh/internal/agentgraph"
	"taskmesh/internal/domain"
	"taskmesh/internal/queue"
	"taskmesh/internal/registry"
)

const actorScheduler = "scheduler"

type Graph interface {
	Agents() []domain.Agent
	CapabilityOf(agentID string) (domain.Capability, bool)
}

type Policy interface {
	CanReceive(task domain.Task, agentID string) (bool, string)
	CanDelegate(fromAgent, toAgent string) error
	Reach(task domain.Task, agentID string) (int, bool)
}

// Executor is the execution layer. Deliver hands an assignment to its agent;
// Cancel tells an agent to stop work the engine no longer wants.
type Executor interface {
	Deliver(ctx context.Context, a domain.Assignment) error
	Cancel(ctx context.Context, agentID, taskID, reason string) error
}

type Recorder interface {
	RecordUnassignable(ctx context.Context, n int)
}

type Options struct {
	Weights  Weights
	Matcher  agentgraph.Matcher
	Recorder Recorder
	Logger   *slog.Logger
}

type Engine struct {
	registry *registry.Registry
	queues   *queue.Manager
	graph    Graph
	policy   Policy
	executor Executor

	weights  Weights
	matcher  agentgraph.Matcher
	recorder Recorder
	logger   *slog.Logger
}

func New(reg *registry.Registry, queues *queue.Manager, graph Graph, policy Policy, executor Executor, opts Options) *Engine {
	if !opts.Weights.valid() {
		opts.Weights = DefaultWeights()
	}
	if opts.Matcher == nil {
		opts.Matcher = agentgraph.TagMatcher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		registry: reg,
		queues:   queues,
		graph:    graph,
		policy:   policy,
		executor: executor,
		weights:  opts.Weights,
		matcher:  opts.Matcher,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
}

func (e *Engine) Weights() Weights { return e.weights }

type Placement struct {
	TaskID  string
	AgentID string
	Score   float64
}

type PassResult struct {
	Assigned     []Placement
	Unassignable []string
}

// Candidates returns the eligible agents for task, best first. Agents at
// capacity are not eligible regardless of score.
func (e *Engine) Candidates(task domain.Task) []Candidate {
	var out []Candidate
	for _, agent := range e.graph.Agents() {
		if ok, _ := e.policy.CanReceive(task, agent.ID); !ok {
			continue
		}
		stats := e.queues.Stats(agent.ID)
		if !stats.HasCapacity() {
			continue
		}
		comp := Components{
			Workload: WorkloadScore(stats),
			Priority: PriorityScore(task.Priority),
		}
		if capability, ok := e.graph.CapabilityOf(agent.ID); ok {
			comp.Capability = e.matcher.Score(task, capability)
		}
		if hops, ok := e.policy.Reach(task, agent.ID); ok {
			comp.Connection = ConnectionScore(hops)
		}
		out = append(out, Candidate{
			AgentID:    agent.ID,
			Score:      e.weights.Combine(comp),
			Active:     stats.Active,
			Components: comp,
		})
	}
	rank(out)
	return out
}

// RunPass makes one scheduling pass over every QUEUED task in priority
// order. Tasks with no eligible agent stay QUEUED and are reported in
// Unassignable.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult
	for _, task := range e.registry.Queued() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		placement, err := e.place(ctx, task)
		switch {
		case err == nil:
			res.Assigned = append(res.Assigned, placement)
			e.Drain(ctx, placement.AgentID)
		case errors.Is(err, domain.ErrNoEligibleAgent):
			res.Unassignable = append(res.Unassignable, task.ID)
		default:
			// The task moved on since the scan, usually cancelled or blocked.
			e.logger.Debug("skip task in pass", "task_id", task.ID, "error", err)
		}
	}
	if e.recorder != nil {
		e.recorder.RecordUnassignable(ctx, len(res.Unassignable))
	}
	return res, nil
}

// place tries candidates best first. Losing a capacity race moves on to the
// next agent.
func (e *Engine) place(ctx context.Context, task domain.Task) (Placement, error) {
	for _, c := range e.Candidates(task) {
		_, err := e.commit(ctx, task.ID, c.AgentID, false, c.Score, actorScheduler)
		if err == nil {
			e.logger.Info("task assigned", "task_id", task.ID, "agent_id", c.AgentID, "score", c.Score)
			return Placement{TaskID: task.ID, AgentID: c.AgentID, Score: c.Score}, nil
		}
		if errors.Is(err, domain.ErrAgentAtCapacity) {
			continue
		}
		return Placement{}, err
	}
	return Placement{}, fmt.Errorf("task %s: %w", task.ID, domain.ErrNoEligibleAgent)
}

// commit reserves the agent's queue slot under the task lock, then marks the
// task ASSIGNED. Either both happen or neither does.
func (e *Engine) commit(ctx context.Context, taskID, agentID string, explicit bool, score float64, actor string) (domain.Task, error) {
	return e.registry.Assign(ctx, taskID, registry.AssignInput{
		AgentID:  agentID,
		Actor:    actor,
		Explicit: explicit,
		Score:    score,
		Commit: func(t domain.Task) error {
			return e.queues.Reserve(agentID, queue.Entry{TaskID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt})
		},
	})
}

// Delegate assigns a task to a caller-chosen agent, skipping scoring. A task
// already ASSIGNED to another agent is first handed back.
func (e *Engine) Delegate(ctx context.Context, taskID, fromAgent, toAgent string) (domain.Task, error) {
	if err := e.policy.CanDelegate(fromAgent, toAgent); err != nil {
		return domain.Task{}, fmt.Errorf("delegate %s to %s: %w", taskID, toAgent, err)
	}
	current, err := e.registry.Get(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	actor := fromAgent
	if actor == "" {
		actor = actorScheduler
	}
	if current.Status == domain.TaskStatusAssigned && current.AssignedTo != toAgent {
		prev := current.AssignedTo
		if _, err := e.registry.Transition(ctx, taskID, registry.TransitionInput{
			Event:   domain.EventUnassign,
			AgentID: prev,
			Actor:   actor,
			Reason:  "re-delegated to " + toAgent,
		}); err != nil {
			return domain.Task{}, fmt.Errorf("delegate %s to %s: %w", taskID, toAgent, err)
		}
		e.notifyCancel(ctx, prev, taskID, "re-delegated to "+toAgent)
		e.Drain(ctx, prev)
	}

	task, err := e.commit(ctx, taskID, toAgent, true, 0, actor)
	if err != nil {
		return domain.Task{}, fmt.Errorf("delegate %s to %s: %w", taskID, toAgent, err)
	}
	e.logger.Info("task delegated", "task_id", taskID, "from_agent", fromAgent, "agent_id", toAgent)
	e.Drain(ctx, toAgent)
	if latest, err := e.registry.Get(taskID); err == nil {
		return latest, nil
	}
	return task, nil
}

// Drain moves pending entries into active while the agent has free slots and
// delivers each one. A failed delivery hands the task back to the queue
// without spending a retry.
func (e *Engine) Drain(ctx context.Context, agentID string) int {
	delivered := 0
	for {
		entry, ok := e.queues.DequeueNext(agentID)
		if !ok {
			return delivered
		}
		task, err := e.registry.Get(entry.TaskID)
		if err == nil && task.Status == domain.TaskStatusInProgress && task.AssignedTo == agentID {
			// Already running here; the entry stays active until the report.
			continue
		}
		if err != nil || task.Status != domain.TaskStatusAssigned || task.AssignedTo != agentID {
			e.queues.Release(agentID, entry.TaskID, false)
			continue
		}
		if err := e.executor.Deliver(ctx, AssignmentFor(task)); err != nil {
			e.logger.Warn("assignment delivery failed", "task_id", task.ID, "agent_id", agentID, "error", err)
			if _, terr := e.registry.Transition(ctx, task.ID, registry.TransitionInput{
				Event:   domain.EventUnassign,
				AgentID: agentID,
				Actor:   actorScheduler,
				Reason:  "delivery failed: " + err.Error(),
			}); terr != nil {
				e.logger.Warn("unassign after failed delivery", "task_id", task.ID, "error", terr)
			}
			continue
		}
		delivered++
	}
}

func (e *Engine) DrainAll(ctx context.Context) int {
	n := 0
	for _, agentID := range e.queues.Agents() {
		n += e.Drain(ctx, agentID)
	}
	return n
}

func (e *Engine) notifyCancel(ctx context.Context, agentID, taskID, reason string) {
	if agentID == "" {
		return
	}
	if err := e.executor.Cancel(ctx, agentID, taskID, reason); err != nil {
		e.logger.Warn("cancel notice failed", "task_id", taskID, "agent_id", agentID, "error", err)
	}
}

func (e *Engine) NotifyCancel(ctx context.Context, agentID, taskID, reason string) {
	e.notifyCancel(ctx, agentID, taskID, reason)
}

func AssignmentFor(t domain.Task) domain.Assignment {
	return domain.Assignment{
		TaskID:            t.ID,
		AgentID:           t.AssignedTo,
		Title:             t.Title,
		Description:       t.Description,
		Tags:              t.Tags,
		Metadata:          t.Metadata,
		Priority:          t.Priority,
		Attempt:           t.RetryCount + 1,
		EstimatedDuration: t.EstimatedDuration,
		AssignedAt:        t.UpdatedAt,
	}
}
