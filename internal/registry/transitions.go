package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"taskmesh/internal/domain"
)

// TransitionInput carries the event and its optional payload.
type TransitionInput struct {
	Event   domain.Event
	AgentID string
	Actor   string
	Result  json.RawMessage
	Error   string
	Reason  string
}

var legalFrom = map[domain.Event][]domain.TaskStatus{
	domain.EventEnqueue:  {domain.TaskStatusCreated},
	domain.EventBlock:    {domain.TaskStatusCreated, domain.TaskStatusQueued},
	domain.EventUnblock:  {domain.TaskStatusBlocked},
	domain.EventAssign:   {domain.TaskStatusQueued},
	domain.EventUnassign: {domain.TaskStatusAssigned, domain.TaskStatusInProgress},
	domain.EventStart:    {domain.TaskStatusAssigned},
	domain.EventComplete: {domain.TaskStatusInProgress},
	domain.EventFail:     {domain.TaskStatusAssigned, domain.TaskStatusInProgress},
	domain.EventReject:   {domain.TaskStatusAssigned, domain.TaskStatusInProgress},
	domain.EventTimeout:  {domain.TaskStatusInProgress},
	domain.EventCancel: {
		domain.TaskStatusCreated, domain.TaskStatusQueued, domain.TaskStatusBlocked,
		domain.TaskStatusAssigned, domain.TaskStatusInProgress,
	},
}

// CanApply reports whether event is legal from status.
func CanApply(status domain.TaskStatus, event domain.Event) bool {
	return slices.Contains(legalFrom[event], status)
}

// Transition applies a single lifecycle event. Illegal events leave the task
// untouched and return *domain.IllegalTransitionError with the current state.
func (r *Registry) Transition(ctx context.Context, id string, in TransitionInput) (domain.Task, error) {
	switch in.Event {
	case domain.EventAssign:
		return r.Assign(ctx, id, AssignInput{AgentID: in.AgentID, Actor: in.Actor})
	case domain.EventCancel:
		cancelled, err := r.Cancel(ctx, id, in.Actor, in.Reason)
		if err != nil {
			return domain.Task{}, err
		}
		return cancelled[0], nil
	}

	rec, ok := r.lookup(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("transition task %s: %w", id, domain.ErrTaskNotFound)
	}
	if in.Actor == "" {
		in.Actor = actorRegistry
	}

	eff := &effects{}
	rec.mu.Lock()
	t := &rec.task
	if !CanApply(t.Status, in.Event) {
		current := t.Status
		rec.mu.Unlock()
		return domain.Task{}, &domain.IllegalTransitionError{TaskID: id, Current: current, Event: in.Event}
	}
	if in.AgentID != "" && t.Status.HoldsAgent() && t.AssignedTo != in.AgentID {
		current, holder := t.Status, t.AssignedTo
		rec.mu.Unlock()
		return domain.Task{}, fmt.Errorf("task %s is held by %s, not %s: %w", id, holder, in.AgentID,
			&domain.IllegalTransitionError{TaskID: id, Current: current, Event: in.Event})
	}

	from := t.Status
	prevAgent := t.AssignedTo
	now := r.now()
	var terminalFailure, completed bool

	switch in.Event {
	case domain.EventEnqueue, domain.EventUnblock:
		ready, doomedBy, _ := r.dependencyState(id)
		if doomedBy == "" && !ready {
			rec.mu.Unlock()
			return domain.Task{}, &domain.IllegalTransitionError{TaskID: id, Current: from, Event: in.Event}
		}
		r.settleLocked(rec, in.Event, eff)
	case domain.EventBlock:
		t.Status = domain.TaskStatusBlocked
		t.UpdatedAt = now
		eff.record(id, in.Actor, "blocked", in.Reason, nil)
	case domain.EventUnassign:
		r.releaseLocked(t, false)
		t.Status = domain.TaskStatusQueued
		t.DelegatedFrom = prevAgent
		t.AssignedTo = ""
		t.AttemptStartedAt = nil
		t.UpdatedAt = now
		eff.record(id, in.Actor, "unassigned", in.Reason, map[string]any{"from_agent": prevAgent})
	case domain.EventStart:
		t.Status = domain.TaskStatusInProgress
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		started := now
		t.AttemptStartedAt = &started
		t.UpdatedAt = now
		eff.record(id, prevAgent, "started", "agent reported start", map[string]any{"attempt": t.RetryCount + 1})
	case domain.EventComplete:
		r.releaseLocked(t, true)
		t.Status = domain.TaskStatusCompleted
		t.AssignedTo = ""
		t.AttemptStartedAt = nil
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		t.Result = in.Result
		t.ErrorMessage = ""
		t.UpdatedAt = now
		completed = true
		payload := map[string]any{"agent_id": prevAgent}
		if d, ok := t.ActualDuration(); ok {
			payload["actual_duration_ms"] = d.Milliseconds()
		}
		eff.record(id, prevAgent, "completed", "agent reported completion", payload)
	case domain.EventFail, domain.EventTimeout, domain.EventReject:
		r.releaseLocked(t, false)
		t.RetryCount++
		t.AssignedTo = ""
		t.AttemptStartedAt = nil
		t.ErrorMessage = in.Error
		if in.Event == domain.EventReject {
			t.DelegatedFrom = prevAgent
		}
		t.UpdatedAt = now
		action := "attempt_failed"
		switch in.Event {
		case domain.EventReject:
			action = "rejected"
		case domain.EventTimeout:
			action = "timed_out"
		}
		eff.record(id, prevAgent, action, in.Error, map[string]any{
			"agent_id":    prevAgent,
			"retry_count": t.RetryCount,
			"max_retries": t.MaxRetries,
		})
		if t.RetryCount < t.MaxRetries {
			t.Status = domain.TaskStatusQueued
			eff.record(id, actorRegistry, "retried", "re-queued after failure", map[string]any{
				"retry_count": t.RetryCount,
			})
		} else {
			t.Status = domain.TaskStatusFailed
			if t.CompletedAt == nil {
				t.CompletedAt = &now
			}
			terminalFailure = true
			eff.record(id, actorRegistry, "failed", "retries exhausted", map[string]any{
				"retry_count":   t.RetryCount,
				"error_message": t.ErrorMessage,
			})
		}
	}
	if t.Status != from && in.Event != domain.EventEnqueue && in.Event != domain.EventUnblock {
		eff.changes = append(eff.changes, Change{Task: t.Clone(), From: from, Event: in.Event, PrevAgent: prevAgent})
	}
	result := t.Clone()
	rec.mu.Unlock()

	r.flush(ctx, eff)
	switch {
	case completed:
		r.onDependencyCompleted(ctx, id)
	case terminalFailure:
		r.cascadeDependents(ctx, id, domain.TaskStatusFailed)
	case result.Status == domain.TaskStatusCancelled:
		r.cascade(ctx, r.cascadeTargets(result), fmt.Sprintf("parent or dependency %s cancelled", id))
	}
	return result, nil
}

func (r *Registry) releaseLocked(t *domain.Task, completed bool) {
	if r.releaser == nil || t.AssignedTo == "" {
		return
	}
	r.releaser.Release(t.AssignedTo, t.ID, completed)
}

type AssignInput struct {
	AgentID string
	Actor   string
	// Explicit marks a caller-chosen target rather than a scored pick.
	Explicit bool
	Score    float64
	// Commit runs under the task lock before any mutation; an error aborts
	// the assignment with the task unchanged.
	Commit func(task domain.Task) error
}

// Assign moves a QUEUED, dependency-ready task to ASSIGNED.
func (r *Registry) Assign(ctx context.Context, id string, in AssignInput) (domain.Task, error) {
	if in.AgentID == "" {
		return domain.Task{}, &domain.ValidationError{Field: "assigned_to", Reason: "agent id is required"}
	}
	rec, ok := r.lookup(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("assign task %s: %w", id, domain.ErrTaskNotFound)
	}
	if in.Actor == "" {
		in.Actor = actorRegistry
	}

	rec.mu.Lock()
	t := &rec.task
	if t.Status != domain.TaskStatusQueued {
		current := t.Status
		rec.mu.Unlock()
		return domain.Task{}, &domain.IllegalTransitionError{TaskID: id, Current: current, Event: domain.EventAssign}
	}
	if ready, _, _ := r.dependencyState(id); !ready {
		current := t.Status
		rec.mu.Unlock()
		return domain.Task{}, &domain.IllegalTransitionError{TaskID: id, Current: current, Event: domain.EventAssign}
	}
	if in.Commit != nil {
		if err := in.Commit(t.Clone()); err != nil {
			rec.mu.Unlock()
			return domain.Task{}, err
		}
	}

	now := r.now()
	from := t.Status
	t.Status = domain.TaskStatusAssigned
	t.AssignedTo = in.AgentID
	// A new attempt starts; the previous failure is in the audit log.
	t.ErrorMessage = ""
	if t.AssignedAt == nil {
		t.AssignedAt = &now
	}
	t.UpdatedAt = now

	eff := &effects{}
	action := "assigned"
	if in.Explicit {
		action = "delegated"
	}
	eff.record(id, in.Actor, action, "task committed to agent queue", map[string]any{
		"agent_id":       in.AgentID,
		"score":          in.Score,
		"delegated_from": t.DelegatedFrom,
	})
	eff.changes = append(eff.changes, Change{Task: t.Clone(), From: from, Event: domain.EventAssign})
	result := t.Clone()
	rec.mu.Unlock()

	r.flush(ctx, eff)
	return result, nil
}

// Cancel cancels a non-terminal task and, transitively, its incomplete
// subtasks and dependents. It returns every task it cancelled, root first.
func (r *Registry) Cancel(ctx context.Context, id, actor, reason string) ([]domain.Task, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("cancel task %s: %w", id, domain.ErrTaskNotFound)
	}
	if actor == "" {
		actor = actorRegistry
	}
	if reason == "" {
		reason = "cancelled by " + actor
	}

	eff := &effects{}
	rec.mu.Lock()
	if rec.task.Status.IsTerminal() {
		current := rec.task.Status
		rec.mu.Unlock()
		return nil, &domain.IllegalTransitionError{TaskID: id, Current: current, Event: domain.EventCancel}
	}
	r.applyCancelLocked(rec, actor, reason, eff)
	root := rec.task.Clone()
	rec.mu.Unlock()
	r.flush(ctx, eff)

	cancelled := []domain.Task{root}
	cancelled = append(cancelled, r.cascade(ctx, r.cascadeTargets(root), fmt.Sprintf("parent or dependency %s cancelled", id))...)
	return cancelled, nil
}

func (r *Registry) applyCancelLocked(rec *record, actor, reason string, eff *effects) {
	t := &rec.task
	from := t.Status
	prevAgent := t.AssignedTo
	r.releaseLocked(t, false)
	now := r.now()
	t.Status = domain.TaskStatusCancelled
	t.AssignedTo = ""
	t.AttemptStartedAt = nil
	t.ErrorMessage = ""
	t.UpdatedAt = now
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	eff.record(t.ID, actor, "cancelled", reason, map[string]any{"from_status": from, "agent_id": prevAgent})
	eff.changes = append(eff.changes, Change{Task: t.Clone(), From: from, Event: domain.EventCancel, PrevAgent: prevAgent})
}

func (r *Registry) cascadeTargets(t domain.Task) []string {
	targets := slices.Clone(t.Subtasks)
	for _, d := range r.graph.Dependents(t.ID) {
		if !slices.Contains(targets, d) {
			targets = append(targets, d)
		}
	}
	return targets
}

// cascade cancels ids breadth-first, one task lock at a time.
func (r *Registry) cascade(ctx context.Context, ids []string, reason string) []domain.Task {
	var out []domain.Task
	seen := map[string]bool{}
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		rec, ok := r.lookup(id)
		if !ok {
			continue
		}
		eff := &effects{}
		rec.mu.Lock()
		if rec.task.Status.IsTerminal() {
			rec.mu.Unlock()
			continue
		}
		r.applyCancelLocked(rec, actorRegistry, reason, eff)
		t := rec.task.Clone()
		rec.mu.Unlock()
		r.flush(ctx, eff)
		out = append(out, t)
		ids = append(ids, r.cascadeTargets(t)...)
	}
	return out
}

func (r *Registry) cascadeDependents(ctx context.Context, id string, status domain.TaskStatus) []domain.Task {
	return r.cascade(ctx, r.graph.Dependents(id), fmt.Sprintf("dependency %s %s", id, status))
}

// onDependencyCompleted promotes dependents whose last dependency just completed.
func (r *Registry) onDependencyCompleted(ctx context.Context, depID string) {
	for _, id := range r.graph.Dependents(depID) {
		rec, ok := r.lookup(id)
		if !ok {
			continue
		}
		eff := &effects{}
		rec.mu.Lock()
		if rec.task.Status == domain.TaskStatusBlocked {
			r.settleLocked(rec, domain.EventUnblock, eff)
		}
		rec.mu.Unlock()
		r.flush(ctx, eff)
	}
}

// AddDependency inserts taskID -> depID after creation. Cycles are rejected
// before any state changes.
func (r *Registry) AddDependency(ctx context.Context, taskID, depID, actor string) (domain.Task, error) {
	rec, ok := r.lookup(taskID)
	if !ok {
		return domain.Task{}, fmt.Errorf("add dependency to %s: %w", taskID, domain.ErrTaskNotFound)
	}
	depStatus, ok := r.statusOf(depID)
	if !ok {
		return domain.Task{}, &domain.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown dependency %s", depID)}
	}
	if depStatus == domain.TaskStatusFailed || depStatus == domain.TaskStatusCancelled {
		return domain.Task{}, &domain.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("dependency %s is %s", depID, depStatus)}
	}
	if actor == "" {
		actor = actorRegistry
	}

	eff := &effects{}
	rec.mu.Lock()
	t := &rec.task
	switch t.Status {
	case domain.TaskStatusCreated, domain.TaskStatusQueued, domain.TaskStatusBlocked:
	default:
		current := t.Status
		rec.mu.Unlock()
		return domain.Task{}, &domain.IllegalTransitionError{TaskID: taskID, Current: current, Event: domain.EventBlock}
	}
	if slices.Contains(t.Dependencies, depID) {
		result := t.Clone()
		rec.mu.Unlock()
		return result, nil
	}
	if err := r.graph.AddEdge(taskID, depID); err != nil {
		rec.mu.Unlock()
		return domain.Task{}, err
	}
	t.Dependencies = append(t.Dependencies, depID)
	t.UpdatedAt = r.now()
	eff.record(taskID, actor, "dependency_added", "dependency edge inserted", map[string]any{"dependency_id": depID})
	r.settleLocked(rec, domain.EventBlock, eff)
	result := t.Clone()
	rec.mu.Unlock()

	r.flush(ctx, eff)
	return result, nil
}

// Delete removes a terminal task from the registry and the dependency graph.
func (r *Registry) Delete(ctx context.Context, id, actor string) error {
	rec, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("delete task %s: %w", id, domain.ErrTaskNotFound)
	}
	rec.mu.Lock()
	status := rec.task.Status
	rec.mu.Unlock()
	if !status.IsTerminal() {
		return &domain.IllegalTransitionError{TaskID: id, Current: status, Event: "delete"}
	}

	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
	r.graph.RemoveTask(id)

	if actor == "" {
		actor = actorRegistry
	}
	eff := &effects{}
	eff.record(id, actor, "deleted", "terminal task removed", map[string]any{"status": status})
	r.flush(ctx, eff)
	return nil
}

// All returns every task, for snapshots.
func (r *Registry) All() []domain.Task {
	return r.List(domain.TaskFilter{})
}

// Restore replaces the registry contents and rebuilds the dependency graph.
// No listeners fire.
func (r *Registry) Restore(tasks []domain.Task) {
	records := make(map[string]*record, len(tasks))
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		records[t.ID] = &record{task: t.Clone()}
		deps[t.ID] = slices.Clone(t.Dependencies)
	}
	r.mu.Lock()
	r.records = records
	r.mu.Unlock()
	r.graph.Rebuild(deps)
}

// Resettle re-evaluates a CREATED, QUEUED or BLOCKED task against its
// dependencies. Used after restore.
func (r *Registry) Resettle(ctx context.Context, id string) {
	rec, ok := r.lookup(id)
	if !ok {
		return
	}
	eff := &effects{}
	rec.mu.Lock()
	switch rec.task.Status {
	case domain.TaskStatusCreated, domain.TaskStatusQueued, domain.TaskStatusBlocked:
		r.settleLocked(rec, domain.EventEnqueue, eff)
	}
	rec.mu.Unlock()
	r.flush(ctx, eff)
}
