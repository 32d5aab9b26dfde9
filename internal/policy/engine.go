// Package policy decides who may hand work to whom over the agent graph.
package policy

import (
	"fmt"

	"taskmesh/internal/domain"
)

type Graph interface {
	Known(agentID string) bool
	IsActive(agentID string) bool
	IsConnected(a, b string) bool
	IsChild(parentID, childID string) bool
	HopDistance(from, to string) (int, bool)
}

type Engine struct {
	graph   Graph
	maxHops int
}

func New(graph Graph, maxHops int) *Engine {
	if maxHops <= 0 {
		maxHops = 3
	}
	return &Engine{graph: graph, maxHops: maxHops}
}

func (e *Engine) MaxHops() int { return e.maxHops }

// CanDelegate checks an explicit hand-off. The target must be active and
// either directly connected to the sender or one of its children. An empty
// sender is a system caller and skips the topology rule.
func (e *Engine) CanDelegate(fromAgent, toAgent string) error {
	if err := e.available(toAgent); err != nil {
		return err
	}
	if fromAgent == "" || fromAgent == toAgent {
		return nil
	}
	if !e.graph.Known(fromAgent) {
		return fmt.Errorf("sender %s: %w", fromAgent, domain.ErrAgentNotFound)
	}
	if e.graph.IsConnected(fromAgent, toAgent) || e.graph.IsChild(fromAgent, toAgent) {
		return nil
	}
	return fmt.Errorf("%s is neither connected to nor a child of %s: %w", toAgent, fromAgent, domain.ErrNotAuthorized)
}

// CanSpawnChildTask requires the parent/child relation, not just a connection.
func (e *Engine) CanSpawnChildTask(parentAgent, childAgent string) error {
	if !e.graph.Known(parentAgent) {
		return fmt.Errorf("parent %s: %w", parentAgent, domain.ErrAgentNotFound)
	}
	if !e.graph.IsChild(parentAgent, childAgent) {
		return fmt.Errorf("%s is not a child of %s: %w", childAgent, parentAgent, domain.ErrNotAuthorized)
	}
	return e.available(childAgent)
}

// CanReceive decides whether auto-assignment may place task on agentID.
// The agent must be active and within reach of the task's creator. Tasks
// created by callers outside the agent graph may go to any active agent.
func (e *Engine) CanReceive(task domain.Task, agentID string) (bool, string) {
	if err := e.available(agentID); err != nil {
		return false, err.Error()
	}
	hops, ok := e.Reach(task, agentID)
	if !ok {
		return false, fmt.Sprintf("%s is not reachable from creator %s", agentID, task.CreatedBy)
	}
	if hops > e.maxHops {
		return false, fmt.Sprintf("%s is %d hops from %s, limit %d", agentID, hops, task.CreatedBy, e.maxHops)
	}
	return true, ""
}

// Reach is the hop count from the task's creator to agentID. External
// creators report zero hops.
func (e *Engine) Reach(task domain.Task, agentID string) (int, bool) {
	if task.CreatedBy == agentID || !e.graph.Known(task.CreatedBy) {
		return 0, true
	}
	return e.graph.HopDistance(task.CreatedBy, agentID)
}

func (e *Engine) available(agentID string) error {
	if !e.graph.Known(agentID) {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentNotFound)
	}
	if !e.graph.IsActive(agentID) {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentInactive)
	}
	return nil
}
