package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"taskmesh/internal/agent"
	"taskmesh/internal/agentgraph"
	"taskmesh/internal/domain"
	"taskmesh/internal/orchestrator"
)

const demoCreator = "demo"

func demoRoster() agentgraph.Roster {
	return agentgraph.Roster{Agents: []agentgraph.RosterAgent{
		{ID: "lead", Capabilities: []string{"plan"}, MaxConcurrent: 1, MaxChildAgents: 3},
		{ID: "writer", ParentID: "lead", Capabilities: []string{"write", "docs"}, MaxConcurrent: 2},
		{ID: "reviewer", ParentID: "lead", Capabilities: []string{"review"}, MaxConcurrent: 1, Connections: []string{"writer"}},
	}}
}

// acceptByCapability rejects assignments the agent has none of the required
// capabilities for. Partial matches are accepted, and an agent declaring no
// capabilities accepts everything.
func acceptByCapability(a domain.Agent) func(domain.Assignment) error {
	if len(a.Capabilities) == 0 {
		return nil
	}
	capability := domain.Capability{AgentID: a.ID, Skills: a.Capabilities, MaxConcurrent: a.MaxConcurrent}
	return func(as domain.Assignment) error {
		task := domain.Task{Tags: as.Tags, Metadata: as.Metadata}
		if len(agentgraph.RequiredCapabilities(task)) == 0 {
			return nil
		}
		if (agentgraph.TagMatcher{}).Score(task, capability) == 0 {
			return fmt.Errorf("%s lacks %v: %w", a.ID, agentgraph.RequiredCapabilities(task), agent.ErrRejected)
		}
		return nil
	}
}

// demoHandler simulates work. Tasks carrying metadata fail_attempts=N fail
// their first N attempts.
func demoHandler() agent.Handler {
	return agent.HandlerFunc(func(ctx context.Context, a domain.Assignment) (json.RawMessage, error) {
		work := 300*time.Millisecond + time.Duration(a.Priority)*200*time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(work):
		}
		if n, err := strconv.Atoi(a.Metadata["fail_attempts"]); err == nil && a.Attempt <= n {
			return nil, fmt.Errorf("simulated failure on attempt %d", a.Attempt)
		}
		return json.Marshal(map[string]any{
			"agent_id": a.AgentID,
			"title":    a.Title,
			"attempt":  a.Attempt,
		})
	})
}

func seedDemo(ctx context.Context, svc *orchestrator.Service, log *slog.Logger) error {
	outline, err := svc.CreateTask(ctx, orchestrator.CreateTaskInput{
		Title:     "Outline the release notes",
		Tags:      []string{"plan"},
		Priority:  domain.PriorityHigh,
		CreatedBy: demoCreator,
	})
	if err != nil {
		return err
	}
	draft, err := svc.CreateTask(ctx, orchestrator.CreateTaskInput{
		Title:             "Draft the release notes",
		Tags:              []string{"write"},
		Dependencies:      []string{outline.ID},
		EstimatedDuration: 30 * time.Second,
		CreatedBy:         demoCreator,
	})
	if err != nil {
		return err
	}
	review, err := svc.CreateTask(ctx, orchestrator.CreateTaskInput{
		Title:        "Review the draft",
		Tags:         []string{"review"},
		Dependencies: []string{draft.ID},
		CreatedBy:    demoCreator,
	})
	if err != nil {
		return err
	}
	if _, err := svc.CreateTask(ctx, orchestrator.CreateTaskInput{
		Title:        "Publish to the docs site",
		Tags:         []string{"docs"},
		Metadata:     map[string]string{"fail_attempts": "1"},
		Dependencies: []string{review.ID},
		Priority:     domain.PriorityLow,
		CreatedBy:    demoCreator,
	}); err != nil {
		return err
	}
	child, err := svc.SpawnChildTask(ctx, "lead", "writer", orchestrator.CreateTaskInput{
		Title: "Write the changelog entry",
		Tags:  []string{"write"},
	})
	if err != nil {
		return err
	}
	svc.Trigger()
	log.Info("demo tasks seeded", "outline_id", outline.ID, "child_task_id", child.ID, "child_status", child.Status)
	return nil
}
